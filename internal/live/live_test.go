package live

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"levelx/internal/domain"
)

var t0 = time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)

func event(id string, at time.Time) domain.Event {
	return domain.Event{ID: id, Kind: domain.EventSignal, At: at, Contract: "CON.F.US.EP.M25", Message: "up retest of PDH"}
}

func TestFeedDedupsByID(t *testing.T) {
	f := NewFeed(8)
	assert.True(t, f.Publish(event("a", t0)))
	assert.False(t, f.Publish(event("a", t0)))
	assert.Equal(t, 1, f.Len())
}

func TestFeedKeepsMostRecent(t *testing.T) {
	f := NewFeed(3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		f.Publish(event(id, t0.Add(time.Duration(i)*time.Second)))
	}
	got := f.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "e", got[2].ID)

	// An evicted id can be published again.
	assert.True(t, f.Publish(event("a", t0.Add(time.Minute))))

	since := f.Since(t0.Add(4 * time.Second))
	require.Len(t, since, 2)
	assert.Equal(t, "e", since[0].ID)
	assert.Len(t, f.Recent(1), 1)
}

func TestFeedSwitchDay(t *testing.T) {
	f := NewFeed(8)
	day := func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	f.Publish(event("fri", t0.Add(-72*time.Hour)))
	f.Publish(event("mon", t0))

	f.SwitchDay("2025-03-03", day)
	got := f.Recent(0)
	require.Len(t, got, 1)
	assert.Equal(t, "mon", got[0].ID)
	assert.True(t, f.Publish(event("fri", t0.Add(time.Second))), "dropped ids are forgotten")
}

func TestFeedSlowSubscriberDrops(t *testing.T) {
	f := NewFeed(8)
	id, ch := f.Subscribe(1)
	f.Publish(event("a", t0))
	f.Publish(event("b", t0))

	ev := <-ch
	assert.Equal(t, "a", ev.ID)
	assert.Equal(t, 1, f.Dropped(id))

	f.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventProtoRoundTrip(t *testing.T) {
	ev := domain.Event{
		ID: "01J", Kind: domain.EventFill, At: t0, AccountID: 7, Contract: "CON.F.US.EP.M25",
		Message: "buy 2 @ 5000.25",
		Fields:  map[string]any{"size": 2, "price": 5000.25, "side": "buy", "at": t0},
	}
	msg, err := EventToProto(ev)
	require.NoError(t, err)
	got, err := EventFromProto(msg)
	require.NoError(t, err)

	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.True(t, ev.At.Equal(got.At))
	assert.Equal(t, int64(7), got.AccountID)
	assert.Equal(t, 2.0, got.Fields["size"])
	assert.Equal(t, 5000.25, got.Fields["price"])
	assert.IsType(t, "", got.Fields["at"], "time has no Struct form and is sent as text")
}

func TestStreamReplaysThenFollows(t *testing.T) {
	feed := NewFeed(16)
	feed.Publish(event("old", t0.Add(-time.Hour)))
	feed.Publish(event("a", t0))
	feed.Publish(event("b", t0.Add(time.Second)))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	NewServer(feed, slog.Default()).RegisterGRPC(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan domain.Event, 8)
	done := make(chan error, 1)
	client := NewClient(lis.Addr().String(), nil, slog.Default())
	go func() {
		done <- client.Stream(ctx, t0, func(ev domain.Event) error {
			got <- ev
			return nil
		})
	}()

	recv := func() domain.Event {
		select {
		case ev := <-got:
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return domain.Event{}
		}
	}
	assert.Equal(t, "a", recv().ID)
	assert.Equal(t, "b", recv().ID)

	// The server subscribed before replaying, so c is delivered live.
	feed.Publish(event("c", t0.Add(2*time.Second)))
	assert.Equal(t, "c", recv().ID)

	cancel()
	err = <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestSyncMirrorsFeed(t *testing.T) {
	remote := NewFeed(16)
	remote.Publish(event("a", t0))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	NewServer(remote, slog.Default()).RegisterGRPC(gs)
	go gs.Serve(lis)
	defer gs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	local := NewFeed(16)
	go NewClient(lis.Addr().String(), local, slog.Default()).Sync(ctx, t0.Add(-time.Minute))

	require.Eventually(t, func() bool { return local.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a", local.Recent(1)[0].ID)

	assert.Error(t, NewClient("127.0.0.1:1", nil, slog.Default()).Sync(ctx, time.Time{}))
}
