// Package task implements the step pipeline every protocol operation runs on.
//
// A Task is a named, ordered list of steps. Each step receives the previous
// step's value and returns a Result: Next(v) hands v to the following step,
// Return(v) ends the pipeline early with v, and Fail(err) aborts it. Steps of
// one Task run strictly in order; independent Tasks may run concurrently.
package task

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/metrics"
)

// Mode selects how a failing step ends the Task.
type Mode int

const (
	// Standard tasks reject with the failing step's error.
	Standard Mode = iota
	// SoftFail tasks resolve with Outcome.Valid == false instead of rejecting.
	SoftFail
)

type resultKind int

const (
	kindNext resultKind = iota
	kindReturn
	kindFail
)

// Result is what a step returns: Next, Return or Fail.
type Result struct {
	kind  resultKind
	value any
	err   error
}

// Next passes v to the following step.
func Next(v any) Result { return Result{kind: kindNext, value: v} }

// Return terminates the pipeline with v. This is not a failure.
func Return(v any) Result { return Result{kind: kindReturn, value: v} }

// Fail aborts the pipeline with err.
func Fail(err error) Result { return Result{kind: kindFail, err: err} }

// Check returns Fail(err) when err is non-nil and Next(v) otherwise.
func Check(v any, err error) Result {
	if err != nil {
		return Fail(err)
	}
	return Next(v)
}

// StepFunc is one unit of work inside a Task.
type StepFunc func(ctx context.Context, in any) Result

// Step is a named StepFunc.
type Step struct {
	Name string
	Run  StepFunc
}

// Outcome describes how a Task finished without error.
type Outcome struct {
	Value any    // last step value, or the Return value
	Early bool   // a step called Return
	Valid bool   // false when a SoftFail task swallowed a failure
	Step  string // step that ended the task
}

// StepError is the rejection of a Standard task.
type StepError struct {
	Task string
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s/%s: %v", e.Task, e.Step, e.Err) }

// Unwrap exposes the step's error to errors.Is/As.
func (e *StepError) Unwrap() error { return e.Err }

// Task is a named step pipeline.
type Task struct {
	Name  string
	Mode  Mode
	Steps []Step
	log   *zap.Logger
}

// New builds a Task.
func New(name string, mode Mode, log *zap.Logger, steps ...Step) *Task {
	if log == nil {
		log = zap.NewNop()
	}
	return &Task{Name: name, Mode: mode, Steps: steps, log: log}
}

// Run executes the steps in order starting with input.
func (t *Task) Run(ctx context.Context, input any) (out Outcome, err error) {
	start := time.Now()
	label := "ok"
	defer func() {
		metrics.TasksTotal.WithLabelValues(t.Name, label).Inc()
		metrics.TaskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	}()

	cur := input
	for _, st := range t.Steps {
		res := t.runStep(ctx, st, cur)
		switch res.kind {
		case kindNext:
			cur = res.value
		case kindReturn:
			label = "early"
			t.log.Debug("task returned early", zap.String("task", t.Name), zap.String("step", st.Name))
			return Outcome{Value: res.value, Early: true, Valid: true, Step: st.Name}, nil
		case kindFail:
			if t.Mode == SoftFail {
				label = "soft_fail"
				t.log.Debug("task soft-failed",
					zap.String("task", t.Name), zap.String("step", st.Name), zap.Error(res.err))
				return Outcome{Value: false, Valid: false, Step: st.Name}, nil
			}
			label = errs.Kind(res.err)
			return Outcome{Step: st.Name}, &StepError{Task: t.Name, Step: st.Name, Err: res.err}
		}
	}
	var last string
	if n := len(t.Steps); n > 0 {
		last = t.Steps[n-1].Name
	}
	return Outcome{Value: cur, Valid: true, Step: last}, nil
}

func (t *Task) runStep(ctx context.Context, st Step, in any) (res Result) {
	if err := ctx.Err(); err != nil {
		return Fail(err)
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("task step panic",
				zap.String("task", t.Name), zap.String("step", st.Name), zap.Any("reason", r))
			res = Fail(fmt.Errorf("panic in step %s: %v", st.Name, r))
		}
	}()
	return st.Run(ctx, in)
}
