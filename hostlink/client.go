package hostlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"trackergw/telemetry"
)

// ErrBadReport indicates a report that is not exactly one telemetry frame.
var ErrBadReport = errors.New("hostlink: malformed report")

// Client subscribes to a gateway's report stream.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// Dial creates a client for target. Extra options are appended after insecure
// transport credentials.
func Dial(target string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial host link %q: %w", target, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Subscribe streams reports to fn until ctx ends, the server closes the
// stream or fn returns an error. A cancelled ctx returns nil.
func (c *Client) Subscribe(ctx context.Context, fn func([telemetry.RecordsPerFrame]telemetry.Record) error) error {
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, SubscribeMethod)
	if err != nil {
		return fmt.Errorf("open report stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close subscribe request: %w", err)
	}

	for {
		report := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(report); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("receive report: %w", err)
		}
		records, err := telemetry.SplitFrame(report.GetValue())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadReport, err)
		}
		if err := fn(records); err != nil {
			return err
		}
	}
}
