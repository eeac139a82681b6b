// Package hostlink streams 64-byte telemetry reports to host subscribers over gRPC.
package hostlink

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"trackergw/telemetry"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "trackergw.hostlink.v1.Reports"
	// SubscribeMethod is the full method path of the report stream.
	SubscribeMethod = "/" + ServiceName + "/Subscribe"

	// DefaultSubscriberBuffer is the number of reports queued per subscriber.
	DefaultSubscriberBuffer = 256
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("hostlink: server closed")
	// ErrMaxSubscribers rejects a subscription above ServerConfig.MaxSubscribers.
	ErrMaxSubscribers = status.Error(codes.ResourceExhausted, "hostlink: too many subscribers")
)

// ServerConfig controls a Server.
type ServerConfig struct {
	SubscriberBuffer int
	MaxSubscribers   int
	Logger           *slog.Logger
}

func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	if out.SubscriberBuffer <= 0 {
		out.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// reportsServer is the handler contract registered with grpc.ServiceDesc.
type reportsServer interface {
	subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*reportsServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "trackergw/hostlink/v1/reports.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(reportsServer).subscribe(req, stream)
}

type subscriber struct {
	id      uint64
	reports chan []byte
	dropped atomic.Uint64
}

// Server fans telemetry reports out to every subscribed host. It implements
// telemetry.Transport so the aggregator can drain straight into it.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	grpc   *grpc.Server

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool

	sent atomic.Uint64
}

var _ telemetry.Transport = (*Server)(nil)

// NewServer creates a server with the report service registered.
func NewServer(config ServerConfig, opts ...grpc.ServerOption) *Server {
	cfg := config.withDefaults()
	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		grpc:        grpc.NewServer(opts...),
		subscribers: make(map[uint64]*subscriber),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts subscribers on lis until Close.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("host link listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return ErrServerClosed
	}
	return err
}

// Close stops the server and ends every subscription.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.grpc.Stop()
}

// Subscribers returns the number of connected hosts.
func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// FramesSent counts reports accepted by at least one subscriber.
func (s *Server) FramesSent() uint64 {
	return s.sent.Load()
}

// Ready reports whether at least one subscriber can take a report now.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		if len(sub.reports) < cap(sub.reports) {
			return true
		}
	}
	return false
}

// Send offers a copy of frame to every subscriber without blocking. It
// returns true when at least one subscriber accepted it.
func (s *Server) Send(frame []byte) bool {
	report := append([]byte(nil), frame...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	accepted := false
	for _, sub := range s.subscribers {
		select {
		case sub.reports <- report:
			accepted = true
		default:
			sub.dropped.Add(1)
		}
	}
	if accepted {
		s.sent.Add(1)
	}
	return accepted
}

func (s *Server) subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub, err := s.addSubscriber()
	if err != nil {
		return err
	}
	defer s.removeSubscriber(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case report := <-sub.reports:
			if err := stream.SendMsg(wrapperspb.Bytes(report)); err != nil {
				s.logger.Debug("host link send failed", "subscriber", sub.id, "error", err)
				return err
			}
		}
	}
}

func (s *Server) addSubscriber() (*subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, status.Error(codes.Unavailable, ErrServerClosed.Error())
	}
	if s.cfg.MaxSubscribers > 0 && len(s.subscribers) >= s.cfg.MaxSubscribers {
		return nil, ErrMaxSubscribers
	}
	s.nextID++
	sub := &subscriber{
		id:      s.nextID,
		reports: make(chan []byte, s.cfg.SubscriberBuffer),
	}
	s.subscribers[sub.id] = sub
	s.logger.Info("host subscribed", "subscriber", sub.id, "subscribers", len(s.subscribers))
	return sub, nil
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub.id)
	remaining := len(s.subscribers)
	s.mu.Unlock()

	s.logger.Info("host unsubscribed",
		"subscriber", sub.id,
		"dropped", sub.dropped.Load(),
		"subscribers", remaining,
	)
}
