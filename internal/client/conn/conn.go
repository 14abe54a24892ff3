// Package conn drives the client's connection to its home server: it sends
// the action queue one entry at a time and stores pushed replica blocks.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/client/binding"
	"github.com/and161185/fanrelay/internal/client/errpub"
	"github.com/and161185/fanrelay/internal/client/queue"
	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/mailstore"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/store"
)

// DefaultReconnectDelay separates a lost stream from the next attempt.
const DefaultReconnectDelay = 4 * time.Second

// Bindings is the cached home server association.
type Bindings interface {
	Get(ctx context.Context) (binding.Binding, error)
	Drop(ctx context.Context) error
}

// Claims issues the self-identity claim.
type Claims interface {
	Token(audience keyring.PublicKey) (string, error)
	Regenerate()
}

// Errors publishes user-visible failures.
type Errors interface {
	Publish(ctx context.Context, r errpub.Report) (model.PublishedError, error)
}

// Replicas keeps verified replica blocks.
type Replicas interface {
	StoreReplica(ctx context.Context, b model.ReplicaBlock) error
}

// Deps are the collaborators of a Connection.
type Deps struct {
	Queue          *queue.Queue
	Transport      Transport
	Bindings       Bindings
	Claims         Claims
	Errors         Errors
	Replicas       Replicas
	Clock          clock.Clock
	ReconnectDelay time.Duration
}

// Connection keeps at most one queue entry in flight: the head is sent, and
// the next entry only after the server answered it. A lost stream clears the
// in-flight mark so the same head is sent again after reconnecting.
type Connection struct {
	Deps
	log *zap.Logger
	ctx context.Context

	mu       sync.Mutex
	want     bool
	stream   Stream
	gen      uint64
	inFlight uint64 // seq of the sent head, 0 if none
	home     binding.Binding
	timer    clock.Timer
	stopped  chan struct{}
}

// New constructs a Connection.
func New(d Deps, log *zap.Logger) *Connection {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.ReconnectDelay <= 0 {
		d.ReconnectDelay = DefaultReconnectDelay
	}
	c := &Connection{Deps: d, log: log, stopped: make(chan struct{})}
	d.Queue.OnChange(c.pump)
	return c
}

// Start connects and keeps reconnecting until Stop, ctx ends, or the server
// disowns the identity.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.want = true
	c.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopped:
		}
	}()
	c.connect()
}

// Stopped is closed once the connection gave up for good.
func (c *Connection) Stopped() <-chan struct{} { return c.stopped }

// Stop closes the stream and cancels any pending reconnect.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.want {
		c.mu.Unlock()
		return
	}
	c.want = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	s := c.stream
	c.stream = nil
	c.gen++
	c.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	close(c.stopped)
}

// Connected reports whether a stream is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Connection) connect() {
	c.mu.Lock()
	if !c.want || c.stream != nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.timer = nil
	c.mu.Unlock()

	home, err := c.Bindings.Get(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		c.publish(errpub.Report{ErrorID: errpub.NoHomeServer, UserActionRequired: true, Permanent: true})
		c.Stop()
		return
	}
	if err != nil {
		c.retry(err)
		return
	}
	tok, err := c.Claims.Token(home.ServerKey)
	if err != nil {
		c.retry(err)
		return
	}
	s, err := c.Transport.Open(ctx, tok)
	if err != nil {
		c.lost(0, home, err)
		return
	}

	c.mu.Lock()
	if !c.want {
		c.mu.Unlock()
		_ = s.Close()
		return
	}
	c.gen++
	gen := c.gen
	c.stream = s
	c.inFlight = 0
	c.home = home
	c.mu.Unlock()

	c.log.Info("connected", zap.String("addr", home.Addr), zap.Stringer("server", home.ServerKey))
	go c.read(gen, s)
	c.pump()
}

// retry schedules the next connect attempt.
func (c *Connection) retry(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.want || c.timer != nil {
		return
	}
	c.log.Info("reconnecting", zap.Duration("in", c.ReconnectDelay), zap.Error(err))
	c.timer = c.Clock.AfterFunc(c.ReconnectDelay, c.connect)
}

// pump sends the head unless an entry is already in flight.
func (c *Connection) pump() {
	c.mu.Lock()
	if c.stream == nil || c.inFlight != 0 {
		c.mu.Unlock()
		return
	}
	head, ok := c.Queue.Head()
	if !ok {
		c.mu.Unlock()
		return
	}
	c.inFlight = head.Seq
	s := c.stream
	c.mu.Unlock()

	if err := s.Send(head.Frame()); err != nil {
		// the reader sees the broken stream and reconnects
		c.log.Debug("send failed", zap.Uint64("seq", head.Seq), zap.Error(err))
	}
}

func (c *Connection) read(gen uint64, s Stream) {
	for {
		f, err := s.Recv()
		if err != nil {
			c.mu.Lock()
			home := c.home
			c.mu.Unlock()
			c.lost(gen, home, err)
			return
		}
		if f.Type == mailstore.FrameReplica {
			c.replica(f.Block)
			continue
		}
		c.answer(gen, f)
	}
}

// answer completes the in-flight head.
func (c *Connection) answer(gen uint64, f *mailstore.ServerFrame) {
	c.mu.Lock()
	stale := gen != c.gen || f.Seq == 0 || f.Seq != c.inFlight
	ctx := c.ctx
	c.mu.Unlock()
	if stale {
		c.log.Warn("unexpected answer", zap.Uint64("seq", f.Seq), zap.String("type", string(f.Type)))
		return
	}

	head, _ := c.Queue.Head()
	reply := queue.Reply{Result: f.Result, Bad: f.Type == mailstore.FrameBad, Error: f.Error}
	if err := c.Queue.Complete(ctx, f.Seq, reply); err != nil {
		// the head stays queued; drop the stream so it is sent again after reconnecting
		c.log.Error("complete action", zap.Uint64("seq", f.Seq), zap.Error(err))
		c.mu.Lock()
		var s Stream
		if gen == c.gen {
			s = c.stream
		}
		home := c.home
		c.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		c.lost(gen, home, err)
		return
	}
	if reply.Bad {
		c.log.Warn("action rejected", zap.String("kind", string(head.Kind)), zap.String("error", f.Error))
		c.publish(errpub.Report{ErrorID: errpub.ActionRejected, ErrorParam: string(head.Kind)})
	}

	c.mu.Lock()
	if gen == c.gen {
		c.inFlight = 0
	}
	c.mu.Unlock()
	c.pump()
}

// replica verifies and stores a pushed block, then acknowledges it.
func (c *Connection) replica(b *mailstore.Block) {
	c.mu.Lock()
	signKey := c.home.SignKey
	ctx := c.ctx
	c.mu.Unlock()
	if b == nil {
		return
	}

	block, err := store.Decode(b.Signed, signKey)
	if err != nil || block.ID != b.ID {
		c.log.Warn("bad replica block", zap.String("id", b.ID), zap.Error(err))
		c.publish(errpub.Report{ErrorID: errpub.BadReplica, ErrorParam: b.ID})
		return
	}
	if err := c.Replicas.StoreReplica(ctx, block); err != nil {
		// unacknowledged blocks are pushed again on the next stream
		c.log.Error("store replica", zap.String("id", b.ID), zap.Error(err))
		return
	}
	err = c.Queue.EnqueuePersistent(ctx, mailstore.Action{Kind: mailstore.ActionAckReplicas, BlockIDs: []string{block.ID}})
	if err != nil {
		c.log.Error("queue replica ack", zap.String("id", b.ID), zap.Error(err))
	}
}

// lost handles the end of stream gen (0 for a failed open).
func (c *Connection) lost(gen uint64, home binding.Binding, err error) {
	c.mu.Lock()
	if gen != 0 && gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.inFlight = 0
	c.mu.Unlock()

	if errors.Is(err, errs.ErrUnknownUser) {
		c.disowned(home)
		return
	}
	c.log.Info("stream lost", zap.Error(err))
	c.retry(err)
}

// disowned handles a home server that has no account for this identity:
// retrying cannot help, so the binding goes and the user has to act.
func (c *Connection) disowned(home binding.Binding) {
	c.log.Warn("home server does not know this identity", zap.Stringer("server", home.ServerKey))
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if err := c.Bindings.Drop(ctx); err != nil {
		c.log.Error("drop binding", zap.Error(err))
	}
	c.Claims.Regenerate()
	c.publish(errpub.Report{
		ErrorID:            errpub.UnknownUser,
		ErrorParam:         home.ServerKey.String(),
		UserActionRequired: true,
		Permanent:          true,
	})
	c.Stop()
}

func (c *Connection) publish(r errpub.Report) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if _, err := c.Errors.Publish(ctx, r); err != nil {
		c.log.Error("publish error", zap.String("id", r.ErrorID), zap.Error(err))
	}
}
