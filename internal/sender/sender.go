// Package sender delivers transit envelopes to server maildrops: in process
// for this server, over HTTP for peers.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/keyring"
)

// MaildropPath is the HTTP route of a server's maildrop.
const MaildropPath = "/v1/maildrop"

// ErrRejected means the receiving server answered "bad" or refused the request.
// Retrying the same envelope cannot succeed.
var ErrRejected = errors.New("envelope rejected by receiving server")

// Local is the in-process maildrop.
type Local interface {
	Receive(ctx context.Context, outer envelope.OuterEnvelope, otherServerKey keyring.PublicKey) (envelope.Ack, error)
}

// Config tunes retry of peer delivery.
type Config struct {
	MaxRetries uint64
	BaseDelay  time.Duration
}

// Sender implements the maildrop's outbound delivery.
type Sender struct {
	kr     keyring.Keyring
	dir    *Directory
	client *http.Client
	local  Local
	cfg    Config
	log    *zap.Logger
}

// New constructs a Sender. SetLocal must be called before loopback delivery.
func New(kr keyring.Keyring, dir *Directory, client *http.Client, cfg Config, log *zap.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	return &Sender{kr: kr, dir: dir, client: client, cfg: cfg, log: log}
}

// SetLocal wires the in-process maildrop.
func (s *Sender) SetLocal(l Local) { s.local = l }

// SendServerEnvelopeToServer delivers an envelope this server sealed.
func (s *Sender) SendServerEnvelopeToServer(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error {
	return asError(s.Deliver(ctx, outer, serverKey))
}

// SendPersonEnvelopeToServer relays an envelope a local user sealed.
func (s *Sender) SendPersonEnvelopeToServer(ctx context.Context, userRoot keyring.PublicKey, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error {
	s.log.Debug("relaying person envelope",
		zap.Stringer("user", userRoot),
		zap.Stringer("server", serverKey),
		zap.String("envelope", envelope.Digest(outer.InnerEnvelope)))
	return asError(s.Deliver(ctx, outer, serverKey))
}

func asError(ack envelope.AckType, err error) error {
	if err != nil {
		return err
	}
	if ack != envelope.AckOK {
		return ErrRejected
	}
	return nil
}

// Deliver sends outer to serverKey's maildrop and returns its answer. Errors
// are transport failures left after retries.
func (s *Sender) Deliver(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) (envelope.AckType, error) {
	if serverKey == s.kr.BoxPublicKey() {
		if s.local == nil {
			return "", errors.New("sender: no local maildrop")
		}
		ack, err := s.local.Receive(ctx, outer, serverKey)
		return ack.Type, err
	}

	base, ok := s.dir.URL(serverKey)
	if !ok {
		s.log.Warn("unknown server", zap.Stringer("server", serverKey))
		return envelope.AckBad, nil
	}
	frame, err := envelope.SealFrame(s.kr, outer, serverKey)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(base, "/") + MaildropPath

	var ack envelope.Ack
	b := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(s.cfg.BaseDelay))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		a, err := s.post(ctx, url, body)
		if err != nil {
			s.log.Debug("maildrop post failed", zap.String("url", url), zap.Error(err))
			return err
		}
		ack = a
		return nil
	})
	if errors.Is(err, ErrRejected) {
		return envelope.AckBad, nil
	}
	if err != nil {
		return "", err
	}
	return ack.Type, nil
}

func (s *Sender) post(ctx context.Context, url string, body []byte) (envelope.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return envelope.Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return envelope.Ack{}, retry.RetryableError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return envelope.Ack{}, retry.RetryableError(err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return envelope.Ack{}, retry.RetryableError(fmt.Errorf("maildrop status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return envelope.Ack{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	var ack envelope.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return envelope.Ack{}, fmt.Errorf("%w: bad ack body: %v", ErrRejected, err)
	}
	return ack, nil
}
