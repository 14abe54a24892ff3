package mailstore

import (
	"context"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Full method names.
const (
	ServiceName   = "fanrelay.v1.Mailstore"
	SignupMethod  = "/" + ServiceName + "/Signup"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// Codec is the JSON gRPC codec. It registers itself under the "json"
// content subtype.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

func init() { encoding.RegisterCodec(Codec{}) }

// CallOptions select the JSON codec on a client call.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(Codec{}.Name())}
}

// MailstoreServer is the server API.
type MailstoreServer interface {
	Signup(ctx context.Context, req *SignupRequest) (*SignupResponse, error)
	Connect(stream ConnectServer) error
}

// ConnectServer is the server side of the Connect stream.
type ConnectServer interface {
	Send(*ServerFrame) error
	Recv() (*ActionFrame, error)
	grpc.ServerStream
}

type connectServer struct{ grpc.ServerStream }

func (s *connectServer) Send(f *ServerFrame) error { return s.ServerStream.SendMsg(f) }

func (s *connectServer) Recv() (*ActionFrame, error) {
	f := new(ActionFrame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func signupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SignupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailstoreServer).Signup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SignupMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MailstoreServer).Signup(ctx, req.(*SignupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MailstoreServer).Connect(&connectServer{stream})
}

// ServiceDesc describes fanrelay.v1.Mailstore.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MailstoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Signup", Handler: signupHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Connect", Handler: connectHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "fanrelay/v1/mailstore",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv MailstoreServer) { s.RegisterService(&ServiceDesc, srv) }

// Client is the client API.
type Client struct{ cc grpc.ClientConnInterface }

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Signup calls Mailstore.Signup.
func (c *Client) Signup(ctx context.Context, in *SignupRequest, opts ...grpc.CallOption) (*SignupResponse, error) {
	out := new(SignupResponse)
	if err := c.cc.Invoke(ctx, SignupMethod, in, out, append(CallOptions(), opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

// ConnectClient is the client side of the Connect stream.
type ConnectClient interface {
	Send(*ActionFrame) error
	Recv() (*ServerFrame, error)
	grpc.ClientStream
}

type connectClient struct{ grpc.ClientStream }

func (c *connectClient) Send(f *ActionFrame) error { return c.ClientStream.SendMsg(f) }

func (c *connectClient) Recv() (*ServerFrame, error) {
	f := new(ServerFrame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Connect opens the Mailstore.Connect stream.
func (c *Client) Connect(ctx context.Context, opts ...grpc.CallOption) (ConnectClient, error) {
	s, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod, append(CallOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	return &connectClient{s}, nil
}
