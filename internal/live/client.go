package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"levelx/internal/domain"
)

// Client connects to an Events gRPC server. Sync mirrors the remote feed
// into a local Feed; Stream hands each event to a callback.
type Client struct {
	addr string
	feed *Feed
	log  *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. feed may be
// nil if Sync is not used.
func NewClient(addr string, feed *Feed, log *slog.Logger) *Client {
	return &Client{addr: addr, feed: feed, log: log}
}

// Stream calls fn for every event at or after since (zero: new events
// only). It blocks until ctx is cancelled, the stream ends or fn fails.
func (c *Client) Stream(ctx context.Context, since time.Time, fn func(domain.Event) error) error {
	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &eventsServiceDesc.Streams[0], streamMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	req := &timestamppb.Timestamp{}
	if !since.IsZero() {
		req = timestamppb.New(since)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to event stream", "addr", c.addr)

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		ev, err := EventFromProto(msg)
		if err != nil {
			c.log.Warn("skipping malformed event", "error", err)
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Sync streams events into the local feed, replaying from since.
func (c *Client) Sync(ctx context.Context, since time.Time) error {
	if c.feed == nil {
		return errors.New("live client has no feed")
	}
	return c.Stream(ctx, since, func(ev domain.Event) error {
		c.feed.Publish(ev)
		return nil
	})
}
