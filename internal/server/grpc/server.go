// Package grpcserver serves the fanrelay.v1.Mailstore API: signup and the
// client's long-lived action stream.
package grpcserver

import (
	"context"
	"errors"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/fanrelay/internal/claim"
	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/mailstore"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
	"github.com/and161185/fanrelay/internal/sender"
	"github.com/and161185/fanrelay/internal/signup"
)

// Signup creates accounts.
type Signup interface {
	Signup(ctx context.Context, req signup.Request) (signup.Result, error)
}

// Relay delivers person envelopes on behalf of local users.
type Relay interface {
	SendPersonEnvelopeToServer(ctx context.Context, userRoot keyring.PublicKey, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error
}

// Replicas is the user-facing side of the replica store.
type Replicas interface {
	Pending(ctx context.Context, user keyring.PublicKey) ([]model.ReplicaBlock, error)
	Ack(ctx context.Context, user keyring.PublicKey, ids []string) error
	Subscribe(ctx context.Context, user keyring.PublicKey) (<-chan model.ReplicaBlock, func(), error)
}

// Peers learns maildrop URLs of contacts' servers.
type Peers interface {
	Learn(ctx context.Context, key keyring.PublicKey, url string) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Keyring  keyring.Keyring
	Signups  Signup
	Auth     repository.AuthRepository
	Relay    Relay
	Replicas Replicas
	Peers    Peers
	Clock    clock.Clock
}

// Server implements mailstore.MailstoreServer.
type Server struct {
	Deps
	log *zap.Logger
}

var _ mailstore.MailstoreServer = (*Server)(nil)

// New constructs a Server.
func New(d Deps, log *zap.Logger) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Server{Deps: d, log: log}
}

// Signup creates an account from the request's claim. Challenges are answered
// in the response status, not as errors.
func (s *Server) Signup(ctx context.Context, req *mailstore.SignupRequest) (*mailstore.SignupResponse, error) {
	if req.Claim == "" {
		return nil, status.Error(codes.InvalidArgument, "empty claim")
	}
	res, err := s.Signups.Signup(ctx, signup.Request{Claim: req.Claim, RemoteAddr: remoteAddr(ctx)})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "signup: %v", err)
	}
	out := &mailstore.SignupResponse{Status: res.Status}
	if res.Status == model.SignupOK {
		out.ServerKey = s.Keyring.BoxPublicKey()
		out.SignKey = s.Keyring.SignPublicKey()
	}
	return out, nil
}

// Authenticate verifies the bearer claim and loads its account. An identity
// this server does not host is rejected with mailstore.UnknownUser.
func (s *Server) Authenticate(ctx context.Context) (*model.UserAccount, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	id, err := claim.Verify(tok, s.Keyring.BoxPublicKey(), s.Clock.Now)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "bad claim")
	}
	u, err := s.Auth.GetUserByRootKey(ctx, id.RootKey)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil, status.Error(codes.Unauthenticated, mailstore.UnknownUser)
	case err != nil:
		return nil, status.Errorf(codes.Unavailable, "load account: %v", err)
	case u.TellKey != id.TellKey:
		return nil, status.Error(codes.Unauthenticated, "bad claim")
	}
	return u, nil
}

// frameWriter serializes sends on one stream.
type frameWriter struct {
	mu     sync.Mutex
	stream mailstore.ConnectServer
}

func (w *frameWriter) send(f *mailstore.ServerFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stream.Send(f)
}

func replicaFrame(b model.ReplicaBlock) *mailstore.ServerFrame {
	return &mailstore.ServerFrame{Type: mailstore.FrameReplica, Block: &mailstore.Block{ID: b.ID, Signed: b.Signed}}
}

// Connect serves one client stream: undelivered replica blocks first, then
// live ones, while the client's actions are answered strictly in order.
func (s *Server) Connect(stream mailstore.ConnectServer) error {
	user, ok := AccountFromCtx(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "no auth")
	}
	log := s.log.With(zap.Stringer("user", user.RootKey))

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	live, unsubscribe, err := s.Replicas.Subscribe(ctx, user.RootKey)
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}
	defer unsubscribe()

	w := &frameWriter{stream: stream}
	pending, err := s.Replicas.Pending(ctx, user.RootKey)
	if err != nil {
		return status.Errorf(codes.Unavailable, "pending replicas: %v", err)
	}
	for _, b := range pending {
		if err := w.send(replicaFrame(b)); err != nil {
			return err
		}
	}
	log.Debug("stream open", zap.Int("pending", len(pending)))

	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case b, ok := <-live:
				if !ok {
					return nil
				}
				if err := w.send(replicaFrame(b)); err != nil {
					cancel()
					return err
				}
			}
		}
	})

	err = s.serveActions(ctx, stream, w, user, log)
	cancel()
	if perr := g.Wait(); err == nil && perr != nil {
		err = perr
	}
	return err
}

func (s *Server) serveActions(ctx context.Context, stream mailstore.ConnectServer, w *frameWriter, user *model.UserAccount, log *zap.Logger) error {
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		answer, err := s.handle(ctx, user, f)
		if err != nil {
			log.Warn("action failed", zap.Uint64("seq", f.Seq), zap.Error(err))
			return status.Errorf(codes.Unavailable, "action %d: %v", f.Seq, err)
		}
		answer.Seq = f.Seq
		if err := w.send(answer); err != nil {
			return err
		}
	}
}

func bad(format string, args ...any) *mailstore.ServerFrame {
	return &mailstore.ServerFrame{Type: mailstore.FrameBad, Error: errs.Malformed(format, args...).Error()}
}

// handle runs one action. A returned error is transient: the stream ends and
// the client retransmits the same action after reconnecting.
func (s *Server) handle(ctx context.Context, user *model.UserAccount, f *mailstore.ActionFrame) (*mailstore.ServerFrame, error) {
	a, err := mailstore.DecodeAction(f.Action)
	if err != nil {
		return bad("action: %v", err), nil
	}
	ack := &mailstore.ServerFrame{Type: mailstore.FrameAck}

	switch a.Kind {
	case mailstore.ActionDeliverTransit:
		if a.Transit == nil || a.Transit.ServerKey.IsZero() {
			return bad("deliverTransit: missing transit"), nil
		}
		if a.Transit.Envelope.SenderKey != user.TellKey {
			return bad("deliverTransit: envelope not sealed by %s", user.TellKey), nil
		}
		err := s.Relay.SendPersonEnvelopeToServer(ctx, user.RootKey, a.Transit.Envelope, a.Transit.ServerKey)
		if errors.Is(err, sender.ErrRejected) {
			return &mailstore.ServerFrame{Type: mailstore.FrameBad, Error: "rejected by " + a.Transit.ServerKey.String()}, nil
		}
		if err != nil {
			return nil, err
		}
		return ack, nil

	case mailstore.ActionAuthorizeContact:
		c := a.Contact
		if c == nil || c.TellKey.IsZero() || c.ServerKey.IsZero() {
			return bad("authorizeContact: missing contact"), nil
		}
		if err := s.Auth.UserAuthorizeContact(ctx, user.RootKey, c.TellKey, c.ServerKey); err != nil {
			return nil, err
		}
		if err := s.Peers.Learn(ctx, c.ServerKey, c.ServerURL); err != nil {
			return nil, err
		}
		return ack, nil

	case mailstore.ActionAckReplicas:
		if err := s.Replicas.Ack(ctx, user.RootKey, a.BlockIDs); err != nil {
			return nil, err
		}
		return ack, nil

	case mailstore.ActionFetchReplicas:
		pending, err := s.Replicas.Pending(ctx, user.RootKey)
		if err != nil {
			return nil, err
		}
		blocks := make([]mailstore.Block, 0, len(pending))
		for _, b := range pending {
			blocks = append(blocks, mailstore.Block{ID: b.ID, Signed: b.Signed})
		}
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		return &mailstore.ServerFrame{Type: mailstore.FrameReply, Result: raw}, nil
	}
	return bad("unknown action %q", a.Kind), nil
}
