package fanout_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbrain/segqueue/internal/fanout"
)

func receiveOne(t *testing.T, sub *fanout.Subscriber) fanout.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return fanout.Event{}
	}
}

func TestHub_PublishRouting(t *testing.T) {
	ctx := context.Background()
	hub := fanout.NewHub(8, nil)
	t.Cleanup(func() { _ = hub.Close() })

	userRoom := fanout.UserRoom(uuid.New())
	projectRoom := fanout.ProjectRoom(uuid.New())

	t.Run("delivers to every room member", func(t *testing.T) {
		a := hub.Join(ctx, "a", projectRoom)
		b := hub.Join(ctx, "b", projectRoom)
		defer a.Close()
		defer b.Close()

		ev := fanout.Event{Type: fanout.EventQueueStatsUpdate, Payload: fanout.QueueStatsUpdate{Queued: 2, Total: 2}}
		require.NoError(t, hub.Publish(ctx, projectRoom, ev))

		assert.Equal(t, ev, receiveOne(t, a))
		assert.Equal(t, ev, receiveOne(t, b))
	})

	t.Run("other rooms see nothing", func(t *testing.T) {
		member := hub.Join(ctx, "member", userRoom)
		defer member.Close()

		require.NoError(t, hub.Publish(ctx, projectRoom, fanout.Event{Type: fanout.EventQueueStatsUpdate}))

		select {
		case ev := <-member.Events():
			t.Fatalf("unexpected event %q in unrelated room", ev.Type)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("one subscriber may join several rooms", func(t *testing.T) {
		sub := hub.Join(ctx, "multi", userRoom, projectRoom)
		defer sub.Close()

		require.NoError(t, hub.Publish(ctx, userRoom, fanout.Event{Type: fanout.EventSegmentationUpdate}))
		require.NoError(t, hub.Publish(ctx, projectRoom, fanout.Event{Type: fanout.EventQueueStatsUpdate}))

		assert.Equal(t, fanout.EventSegmentationUpdate, receiveOne(t, sub).Type)
		assert.Equal(t, fanout.EventQueueStatsUpdate, receiveOne(t, sub).Type)
	})

	t.Run("publish to empty room is a no-op", func(t *testing.T) {
		assert.NoError(t, hub.Publish(ctx, "project:empty", fanout.Event{Type: fanout.EventQueueStatsUpdate}))
	})
}

func TestHub_Ordering(t *testing.T) {
	ctx := context.Background()
	hub := fanout.NewHub(16, nil)
	t.Cleanup(func() { _ = hub.Close() })

	room := fanout.ProjectRoom(uuid.New())
	sub := hub.Join(ctx, "ordered", room)
	defer sub.Close()

	for i := range 10 {
		require.NoError(t, hub.Publish(ctx, room, fanout.Event{
			Type:    fanout.EventQueueStatsUpdate,
			Payload: fanout.QueueStatsUpdate{Total: i},
		}))
	}

	for i := range 10 {
		ev := receiveOne(t, sub)
		payload, ok := ev.Payload.(fanout.QueueStatsUpdate)
		require.True(t, ok)
		assert.Equal(t, i, payload.Total, "events must arrive in publish order")
	}
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	ctx := context.Background()
	hub := fanout.NewHub(1, nil)
	t.Cleanup(func() { _ = hub.Close() })

	room := fanout.ProjectRoom(uuid.New())
	slow := hub.Join(ctx, "slow", room)
	require.Equal(t, 1, hub.RoomSize(room))

	// First fills the buffer, second overflows and evicts the subscriber.
	require.NoError(t, hub.Publish(ctx, room, fanout.Event{Type: fanout.EventQueueStatsUpdate}))
	require.NoError(t, hub.Publish(ctx, room, fanout.Event{Type: fanout.EventQueueStatsUpdate}))

	require.Eventually(t, func() bool {
		return hub.RoomSize(room) == 0
	}, time.Second, 5*time.Millisecond)

	// The channel drains its buffered event and then closes.
	receiveOne(t, slow)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ContextCancelCleansUp(t *testing.T) {
	hub := fanout.NewHub(4, nil)
	t.Cleanup(func() { _ = hub.Close() })

	room := fanout.UserRoom(uuid.New())
	ctx, cancel := context.WithCancel(context.Background())
	hub.Join(ctx, "disconnecting", room)
	require.Equal(t, 1, hub.RoomSize(room))

	cancel()

	require.Eventually(t, func() bool {
		return hub.RoomSize(room) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub := fanout.NewHub(4, nil)
	room := fanout.ProjectRoom(uuid.New())
	sub := hub.Join(context.Background(), "member", room)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close(), "close must be idempotent")

	_, ok := <-sub.Events()
	assert.False(t, ok, "subscriber channel must be closed")

	// Joining a closed hub yields an already-closed subscriber.
	late := hub.Join(context.Background(), "late", room)
	_, ok = <-late.Events()
	assert.False(t, ok)

	assert.NoError(t, hub.Publish(context.Background(), room, fanout.Event{Type: fanout.EventQueueStatsUpdate}))
}

func TestEventWireFormat(t *testing.T) {
	t.Run("segmentation update", func(t *testing.T) {
		imageID := uuid.New()
		projectID := uuid.New()
		count := 5

		raw, err := json.Marshal(fanout.SegmentationUpdate{
			ImageID:      imageID,
			ProjectID:    projectID,
			Status:       "segmented",
			PolygonCount: &count,
		})
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, imageID.String(), decoded["imageId"])
		assert.Equal(t, projectID.String(), decoded["projectId"])
		assert.Equal(t, "segmented", decoded["status"])
		assert.Equal(t, float64(5), decoded["polygonCount"])
	})

	t.Run("polygon count omitted when absent", func(t *testing.T) {
		raw, err := json.Marshal(fanout.SegmentationUpdate{Status: "queued"})
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "polygonCount")
	})

	t.Run("project update omits unchanged fields", func(t *testing.T) {
		pct := 40.0
		raw, err := json.Marshal(fanout.ProjectUpdate{
			Operation: "segmentation_completed",
			Updates:   fanout.ProjectUpdateDetails{CompletionPercentage: &pct},
		})
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"completionPercentage":40`)
		assert.NotContains(t, string(raw), "thumbnailUrl")
	})
}
