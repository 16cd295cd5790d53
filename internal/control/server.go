package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/edgecli/btlite/internal/bridge"
	"github.com/edgecli/btlite/internal/btlite"
	"github.com/edgecli/btlite/internal/controller"
	"github.com/edgecli/btlite/internal/discovery"
)

// Transport is what the control plane drives
type Transport interface {
	EnsureDiscoverable(ctx context.Context) error
	AdvertiseName(ctx context.Context, name string) bool
	RemoveAdvertisedName(name string) bool
	StartDiscovery(ctx context.Context, prefix string) error
	StopDiscovery(prefix string) int
	Connect(ctx context.Context, spec string) (string, error)
	Disconnect(spec string) int
	EndpointExit(id string) bool
	Status() btlite.Status
}

// EventSource feeds the Events stream
type EventSource interface {
	Recent() []controller.Event
	Subscribe(buffer int) (<-chan controller.Event, func())
}

// Server implements ControlServer on top of a transport
type Server struct {
	UnimplementedControlServer

	transport Transport
	events    EventSource
	logger    *zap.Logger
}

// NewServer creates a control server
func NewServer(transport Transport, events EventSource, logger *zap.Logger) *Server {
	return &Server{
		transport: transport,
		events:    events,
		logger:    logger.Named("control"),
	}
}

// toStatus maps transport errors onto gRPC codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, discovery.ErrNoPairedPeers):
		code = codes.FailedPrecondition
	case errors.Is(err, bridge.ErrUnknownService):
		code = codes.NotFound
	case errors.Is(err, bridge.ErrConnectFailed):
		code = codes.Unavailable
	case errors.Is(err, bridge.ErrInvalidConnectSpec):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// Advertise advertises a well-known name
func (s *Server) Advertise(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	return wrapperspb.Bool(s.transport.AdvertiseName(ctx, req.GetValue())), nil
}

// Unadvertise removes one advertisement
func (s *Server) Unadvertise(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.transport.RemoveAdvertisedName(req.GetValue())), nil
}

// Locate starts discovery for a prefix
func (s *Server) Locate(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.transport.StartDiscovery(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// StopDiscovery drops queued discovery for a prefix
func (s *Server) StopDiscovery(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	dropped := s.transport.StopDiscovery(req.GetValue())
	s.logger.Debug("Stop discovery", zap.String("prefix", req.GetValue()), zap.Int("dropped", dropped))
	return &emptypb.Empty{}, nil
}

// Connect opens a bridge
func (s *Server) Connect(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	id, err := s.transport.Connect(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

// Disconnect tears down bridges opened with a spec
func (s *Server) Disconnect(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int32Value, error) {
	return wrapperspb.Int32(int32(s.transport.Disconnect(req.GetValue()))), nil
}

// EndpointExit tears down one bridge; unknown ids are not an error
func (s *Server) EndpointExit(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	s.transport.EndpointExit(req.GetValue())
	return &emptypb.Empty{}, nil
}

// EnsureDiscoverable makes the radio visible
func (s *Server) EnsureDiscoverable(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.transport.EnsureDiscoverable(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Status reports the transport state
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(statusMap(s.transport.Status()))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Events replays retained events, then streams new ones until the client leaves
func (s *Server) Events(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	live, cancel := s.events.Subscribe(64)
	defer cancel()

	var last uint64
	for _, ev := range s.events.Recent() {
		if err := sendEvent(stream, ev); err != nil {
			return err
		}
		last = ev.Seq
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.Seq <= last {
				continue
			}
			if err := sendEvent(stream, ev); err != nil {
				return err
			}
		}
	}
}

func sendEvent(stream grpc.ServerStreamingServer[structpb.Struct], ev controller.Event) error {
	msg, err := structpb.NewStruct(eventMap(ev))
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

func eventMap(ev controller.Event) map[string]interface{} {
	m := map[string]interface{}{
		"seq":  float64(ev.Seq),
		"time": ev.Time.Format(time.RFC3339Nano),
		"kind": string(ev.Kind),
	}
	switch ev.Kind {
	case controller.KindFoundName:
		m["names"] = ev.Names
		m["guid"] = ev.GUID
		m["addr"] = ev.Addr
		m["port"] = ev.Port
	case controller.KindAccepted:
		m["endpoint_id"] = ev.EndpointID
	}
	return m
}

func statusMap(st btlite.Status) map[string]interface{} {
	advertised := make([]interface{}, 0, len(st.Advertised))
	for _, n := range st.Advertised {
		advertised = append(advertised, n)
	}

	records := make([]interface{}, 0, len(st.Records))
	for _, r := range st.Records {
		records = append(records, map[string]interface{}{
			"addr":       r.Addr,
			"service_id": r.ServiceID.String(),
			"last_seen":  r.LastSeen.Format(time.RFC3339),
		})
	}

	endpoints := make([]interface{}, 0, len(st.Endpoints))
	for _, ep := range st.Endpoints {
		endpoints = append(endpoints, map[string]interface{}{
			"id":         ep.ID,
			"spec":       ep.Spec,
			"remote":     ep.RemoteAddr,
			"channel":    float64(ep.Channel),
			"local_addr": ep.LocalAddr,
			"connected":  ep.Connected,
			"created":    ep.Created.Format(time.RFC3339),
		})
	}

	return map[string]interface{}{
		"guid":       st.GUID,
		"service_id": st.ServiceID.String(),
		"state":      st.State.String(),
		"pending":    float64(st.Pending),
		"advertised": advertised,
		"records":    records,
		"endpoints":  endpoints,
	}
}

// LoggingInterceptor logs every unary call with its outcome
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("Control call",
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Stringer("code", status.Code(err)),
		)
		return resp, err
	}
}
