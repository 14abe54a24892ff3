// Package errpub records user-visible client failures. A repeated failure
// updates its existing record instead of adding another one.
package errpub

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/model"
)

// Error ids published by the client.
const (
	UnknownUser    = "unknownUser"
	NoHomeServer   = "noHomeServer"
	ActionRejected = "actionRejected"
	BadReplica     = "badReplica"
	SignupRefused  = "signupRefused"
)

// Report describes one occurrence.
type Report struct {
	ErrorID            string
	ErrorParam         string
	UserActionRequired bool
	Permanent          bool
}

// Listener observes every published occurrence.
type Listener func(model.PublishedError)

// Publisher stores reports in the published_errors table.
type Publisher struct {
	db  *sqlx.DB
	clk clock.Clock
	log *zap.Logger

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New constructs a Publisher.
func New(db *sqlx.DB, clk clock.Clock, log *zap.Logger) *Publisher {
	return &Publisher{db: db, clk: clk, log: log, listeners: map[int]Listener{}}
}

// Subscribe registers l and returns its cancel func.
func (p *Publisher) Subscribe(l Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Publish records r. Flags only ever escalate: once an error needed user
// action or was permanent it stays so.
func (p *Publisher) Publish(ctx context.Context, r Report) (model.PublishedError, error) {
	now := p.clk.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO published_errors
			(error_id, error_param, first_reported, last_reported, reported_count, user_action_required, permanent)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (error_id, error_param) DO UPDATE SET
			last_reported        = excluded.last_reported,
			reported_count       = published_errors.reported_count + 1,
			user_action_required = published_errors.user_action_required OR excluded.user_action_required,
			permanent            = published_errors.permanent OR excluded.permanent`,
		r.ErrorID, r.ErrorParam, now, now, r.UserActionRequired, r.Permanent)
	if err != nil {
		return model.PublishedError{}, fmt.Errorf("publish %s: %w", r.ErrorID, err)
	}

	var pe model.PublishedError
	err = p.db.GetContext(ctx, &pe, `
		SELECT error_id, error_param, first_reported, last_reported, reported_count, user_action_required, permanent
		FROM published_errors WHERE error_id = ? AND error_param = ?`, r.ErrorID, r.ErrorParam)
	if err != nil {
		return model.PublishedError{}, fmt.Errorf("load %s: %w", r.ErrorID, err)
	}

	p.log.Warn("error published",
		zap.String("id", pe.ErrorID),
		zap.String("param", pe.ErrorParam),
		zap.Int("count", pe.ReportedCount),
		zap.Bool("permanent", pe.Permanent))

	p.mu.Lock()
	ls := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		ls = append(ls, l)
	}
	p.mu.Unlock()
	for _, l := range ls {
		l(pe)
	}
	return pe, nil
}

// List returns every record, most recent first.
func (p *Publisher) List(ctx context.Context) ([]model.PublishedError, error) {
	var out []model.PublishedError
	err := p.db.SelectContext(ctx, &out, `
		SELECT error_id, error_param, first_reported, last_reported, reported_count, user_action_required, permanent
		FROM published_errors ORDER BY last_reported DESC, error_id`)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	return out, nil
}

// Dismiss removes a record the user has dealt with.
func (p *Publisher) Dismiss(ctx context.Context, errorID, errorParam string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM published_errors WHERE error_id = ? AND error_param = ?`, errorID, errorParam)
	if err != nil {
		return fmt.Errorf("dismiss %s: %w", errorID, err)
	}
	return nil
}
