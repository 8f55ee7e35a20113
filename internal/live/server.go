package live

import (
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"levelx/internal/domain"
)

// The Events service has a single server-streaming method. Requests are a
// google.protobuf.Timestamp (replay events at or after it; unset means no
// replay) and responses are events encoded as google.protobuf.Struct, so no
// generated code is needed on either side.
const (
	eventsService = "levelx.v1.Events"
	streamMethod  = "/" + eventsService + "/Stream"
)

type eventsServer interface {
	Stream(since *timestamppb.Timestamp, stream grpc.ServerStream) error
}

var eventsServiceDesc = grpc.ServiceDesc{
	ServiceName: eventsService,
	HandlerType: (*eventsServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		Handler:       streamHandler,
		ServerStreams: true,
	}},
	Metadata: "levelx/v1/events.proto",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	since := new(timestamppb.Timestamp)
	if err := stream.RecvMsg(since); err != nil {
		return err
	}
	return srv.(eventsServer).Stream(since, stream)
}

// Server implements the Events gRPC service.
type Server struct {
	feed *Feed
	log  *slog.Logger
}

// NewServer creates a gRPC server backed by feed.
func NewServer(feed *Feed, log *slog.Logger) *Server {
	return &Server{feed: feed, log: log}
}

// RegisterGRPC registers the service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&eventsServiceDesc, s)
}

// Stream replays buffered events since the requested time, then streams new
// events until the client disconnects.
func (s *Server) Stream(since *timestamppb.Timestamp, stream grpc.ServerStream) error {
	// Subscribe before the replay so nothing published in between is lost;
	// the id set drops the overlap.
	subID, ch := s.feed.Subscribe(4096)
	defer s.feed.Unsubscribe(subID)

	sent := make(map[string]bool)
	if since != nil && since.IsValid() && (since.GetSeconds() != 0 || since.GetNanos() != 0) {
		for _, ev := range s.feed.Since(since.AsTime()) {
			if err := s.send(stream, ev); err != nil {
				return err
			}
			sent[ev.ID] = true
		}
	}

	s.log.Info("grpc client subscribed", "subID", subID, "replayed", len(sent))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID, "dropped", s.feed.Dropped(subID))
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if sent[ev.ID] {
				delete(sent, ev.ID)
				continue
			}
			if err := s.send(stream, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream grpc.ServerStream, ev domain.Event) error {
	msg, err := EventToProto(ev)
	if err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

// EventToProto encodes ev as a Struct. Field values that have no Struct
// representation are sent as their string form.
func EventToProto(ev domain.Event) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(ev.Fields))
	for k, v := range ev.Fields {
		val, err := structpb.NewValue(v)
		if err != nil {
			val = structpb.NewStringValue(fmt.Sprint(v))
		}
		fields[k] = val
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        structpb.NewStringValue(ev.ID),
		"kind":      structpb.NewStringValue(string(ev.Kind)),
		"at":        structpb.NewStringValue(ev.At.UTC().Format(time.RFC3339Nano)),
		"accountId": structpb.NewNumberValue(float64(ev.AccountID)),
		"contract":  structpb.NewStringValue(ev.Contract),
		"message":   structpb.NewStringValue(ev.Message),
		"fields":    structpb.NewStructValue(&structpb.Struct{Fields: fields}),
	}}, nil
}

// EventFromProto decodes an event encoded by EventToProto. Numeric fields
// come back as float64.
func EventFromProto(s *structpb.Struct) (domain.Event, error) {
	m := s.GetFields()
	ev := domain.Event{
		ID:        m["id"].GetStringValue(),
		Kind:      domain.EventKind(m["kind"].GetStringValue()),
		AccountID: int64(m["accountId"].GetNumberValue()),
		Contract:  m["contract"].GetStringValue(),
		Message:   m["message"].GetStringValue(),
	}
	if at := m["at"].GetStringValue(); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return domain.Event{}, fmt.Errorf("event %s: bad time %q: %w", ev.ID, at, err)
		}
		ev.At = t
	}
	if f := m["fields"].GetStructValue(); f != nil && len(f.GetFields()) > 0 {
		ev.Fields = f.AsMap()
	}
	return ev, nil
}
