package fanout

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/metrics"
	"github.com/and161185/fanrelay/internal/model"
)

// Sender delivers a server envelope to a server's maildrop.
type Sender interface {
	SendServerEnvelopeToServer(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error
}

// Wrap builds the inner envelope for one recipient around its boxed copy.
type Wrap func(p model.Participant, nonce keyring.Nonce, boxed []byte) (envelope.Inner, error)

// Broadcaster boxes one plaintext for many recipients.
type Broadcaster struct {
	kr   keyring.Keyring
	send Sender
	log  *zap.Logger
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(kr keyring.Keyring, send Sender, log *zap.Logger) *Broadcaster {
	return &Broadcaster{kr: kr, send: send, log: log}
}

// Broadcast boxes plaintext to every recipient's envelope key under a single
// nonce, wraps and seals it for the recipient's server, and sends all copies
// concurrently. A failed send does not cancel the others; the first failure
// is returned after every send has finished.
func (b *Broadcaster) Broadcast(ctx context.Context, recipients []model.Participant, plaintext []byte, wrap Wrap) error {
	nonce, err := b.kr.MakeBoxNonce()
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, p := range recipients {
		g.Go(func() error {
			inner, err := wrap(p, nonce, b.kr.Box(plaintext, nonce, p.EnvelopeKey))
			if err != nil {
				return err
			}
			outer, err := envelope.Seal(b.kr, inner, p.ServerKey)
			if err != nil {
				return err
			}
			if err := b.send.SendServerEnvelopeToServer(ctx, outer, p.ServerKey); err != nil {
				metrics.FanoutSends.WithLabelValues("error").Inc()
				b.log.Warn("fanout send failed",
					zap.Stringer("recipient", p.TellKey),
					zap.Stringer("server", p.ServerKey),
					zap.Error(err))
				return fmt.Errorf("send to %s: %w", p.TellKey, err)
			}
			metrics.FanoutSends.WithLabelValues("ok").Inc()
			return nil
		})
	}
	return g.Wait()
}
