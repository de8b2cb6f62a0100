package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partycast/backend/internal/apperr"
	"github.com/partycast/backend/internal/memstore"
	"github.com/partycast/backend/internal/models"
	"github.com/partycast/backend/internal/relay"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, cfg Config) (*Service, *fakeClock, *relay.Memory) {
	t.Helper()
	ch := relay.NewMemory(nil)
	svc := NewService(memstore.New(), ch, cfg, nil)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc.SetClock(clock.Now)
	return svc, clock, ch
}

func TestActiveCountFollowsWindows(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newService(t, DefaultConfig())
	stream, event := uuid.New(), uuid.New()

	require.NoError(t, svc.Register(ctx, stream, event, "v1"))
	require.NoError(t, svc.Register(ctx, stream, event, "v2"))
	require.NoError(t, svc.Register(ctx, stream, event, "v2"))

	n, err := svc.ActiveCount(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(20 * time.Second)
	require.NoError(t, svc.Heartbeat(ctx, stream, "v1"))

	clock.Advance(15 * time.Second)
	n, err = svc.ActiveCount(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "v2 missed the active window")

	removed, err := svc.SweepExpired(ctx, stream)
	require.NoError(t, err)
	assert.Zero(t, removed, "v2 is inactive but not yet expired")

	clock.Advance(30 * time.Second)
	removed, err = svc.SweepExpired(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = svc.SweepExpired(ctx, stream)
	require.NoError(t, err)
	assert.Zero(t, removed)

	err = svc.Heartbeat(ctx, stream, "v2")
	assert.ErrorIs(t, err, apperr.ErrNotRegistered)
}

func TestViewerFeedAnnouncesJoinLeaveAndSweep(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newService(t, DefaultConfig())
	stream := uuid.New()

	var mu sync.Mutex
	var events []models.PresenceEvent
	cancel, err := svc.SubscribeViewers(ctx, stream, func(ev models.PresenceEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, svc.Register(ctx, stream, uuid.New(), "v1"))
	require.NoError(t, svc.Register(ctx, stream, uuid.New(), "v2"))
	require.NoError(t, svc.Unregister(ctx, stream, "v1"))
	require.NoError(t, svc.Unregister(ctx, stream, "v1"))
	clock.Advance(2 * time.Minute)
	_, err = svc.SweepExpired(ctx, stream)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	kinds := []models.PresenceEventKind{events[0].Kind, events[1].Kind, events[2].Kind, events[3].Kind}
	assert.Equal(t, []models.PresenceEventKind{models.PresenceJoined, models.PresenceJoined, models.PresenceLeft, models.PresenceLeft}, kinds)
	assert.Equal(t, "v2", events[3].ViewerID)
}

func TestSubscribeCountReportsChangesOnly(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	svc, clock, _ := newService(t, cfg)
	stream := uuid.New()

	counts := make(chan int, 16)
	cancel, err := svc.SubscribeCount(ctx, stream, func(n int) { counts <- n })
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, 0, <-counts)
	require.NoError(t, svc.Register(ctx, stream, uuid.New(), "v1"))
	assert.Equal(t, 1, <-counts)
	require.NoError(t, svc.Register(ctx, stream, uuid.New(), "v2"))
	assert.Equal(t, 2, <-counts)

	// silent expiry: no event, picked up by the periodic recompute
	clock.Advance(31 * time.Second)
	select {
	case n := <-counts:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("expired viewers were never counted out")
	}

	select {
	case n := <-counts:
		t.Fatalf("unexpected repeated count %d", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCountSilentAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	svc, _, _ := newService(t, cfg)
	stream := uuid.New()

	entered := make(chan int, 4)
	release := make(chan struct{})
	cancel, err := svc.SubscribeCount(ctx, stream, func(n int) {
		entered <- n
		<-release
	})
	require.NoError(t, err)
	assert.Equal(t, 0, <-entered)

	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("unsubscribe returned while a count was being delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done

	require.NoError(t, svc.Register(ctx, stream, uuid.New(), "v1"))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, entered)
}

func TestClearRemovesStream(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, DefaultConfig())
	stream := uuid.New()
	require.NoError(t, svc.Register(ctx, stream, uuid.New(), "v1"))
	require.NoError(t, svc.Clear(ctx, stream))
	list, err := svc.ActiveViewers(ctx, stream)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegisterRequiresViewerID(t *testing.T) {
	svc, _, _ := newService(t, DefaultConfig())
	err := svc.Register(context.Background(), uuid.New(), uuid.New(), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
