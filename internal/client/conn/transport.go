package conn

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/mailstore"
)

// Stream is one open mailstore connection.
type Stream interface {
	Send(*mailstore.ActionFrame) error
	Recv() (*mailstore.ServerFrame, error)
	Close() error
}

// Transport opens streams to the home server.
type Transport interface {
	Open(ctx context.Context, claim string) (Stream, error)
}

// GRPC is the gRPC Transport.
type GRPC struct {
	cl *mailstore.Client
}

// NewGRPC wraps a client connection to the home server.
func NewGRPC(cc grpc.ClientConnInterface) *GRPC {
	return &GRPC{cl: mailstore.NewClient(cc)}
}

// Signup creates the account the claim describes.
func (g *GRPC) Signup(ctx context.Context, claim string) (*mailstore.SignupResponse, error) {
	resp, err := g.cl.Signup(ctx, &mailstore.SignupRequest{Claim: claim})
	if err != nil {
		return nil, mapStatus(err)
	}
	return resp, nil
}

// Open starts a Connect stream authenticated with claim.
func (g *GRPC) Open(ctx context.Context, claim string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+claim)
	s, err := g.cl.Connect(ctx)
	if err != nil {
		cancel()
		return nil, mapStatus(err)
	}
	return &grpcStream{s: s, cancel: cancel}, nil
}

type grpcStream struct {
	s      mailstore.ConnectClient
	cancel context.CancelFunc
}

func (g *grpcStream) Send(f *mailstore.ActionFrame) error { return mapStatus(g.s.Send(f)) }

func (g *grpcStream) Recv() (*mailstore.ServerFrame, error) {
	f, err := g.s.Recv()
	if err != nil {
		return nil, mapStatus(err)
	}
	return f, nil
}

func (g *grpcStream) Close() error {
	err := g.s.CloseSend()
	g.cancel()
	return err
}

// mapStatus turns the server's unknown-user rejection into errs.ErrUnknownUser.
func mapStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.Unauthenticated && st.Message() == mailstore.UnknownUser {
		return fmt.Errorf("%w: %s", errs.ErrUnknownUser, st.Message())
	}
	return err
}
