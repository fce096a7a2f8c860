package notify

import (
	"context"
	"testing"
	"time"

	"evcharge/internal/memstore"
	"evcharge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Workers: 4, QueueSize: 1024, Timeout: time.Second, MaxAttempts: 3, Backoff: time.Millisecond}
}

func TestAudience(t *testing.T) {
	tests := []struct {
		name string
		in   models.Transition
		want []string
	}{
		{
			name: "user only",
			in:   models.Transition{EventType: models.EventTypeReservationCreated, UserID: 7, StationID: 2},
			want: []string{"user-7"},
		},
		{
			name: "spot visible",
			in:   models.Transition{EventType: models.EventTypeSessionStarted, UserID: 7, StationID: 2, SpotVisible: true},
			want: []string{"user-7", "station-2"},
		},
		{
			name: "progress",
			in:   models.Transition{EventType: models.EventTypeSessionProgress, UserID: 7, StationID: 2, SessionID: 11},
			want: []string{"user-7", "session-11"},
		},
		{
			name: "operator spot change",
			in:   models.Transition{EventType: models.EventTypeSpotStatusChanged, StationID: 2, SpotVisible: true},
			want: []string{"station-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Audience(tt.in))
		})
	}
}

func TestFanoutKeepsGroupOrder(t *testing.T) {
	rec := NewRecorder()
	f := NewFanout(rec, memstore.NewKV(), testConfig())

	const n = 50
	for i := 1; i <= n; i++ {
		f.Emit(models.Transition{
			EntityType:  models.EntitySession,
			EntityID:    int64(i),
			EventType:   models.EventTypeSessionProgress,
			UserID:      1,
			StationID:   3,
			SessionID:   9,
			SpotVisible: i%2 == 0,
		})
	}
	require.NoError(t, f.Close())

	for _, group := range []string{"user-1", "session-9"} {
		events := rec.Events(group)
		require.Len(t, events, n, group)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence, group)
			assert.Equal(t, int64(i+1), ev.EntityID, group)
		}
	}

	station := rec.Events("station-3")
	require.Len(t, station, n/2)
	for i, ev := range station {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, int64(2*(i+1)), ev.EntityID)
	}
}

func TestFanoutRetriesTransientFailures(t *testing.T) {
	rec := NewRecorder()
	rec.FailNext("user-1", 2)
	f := NewFanout(rec, memstore.NewKV(), testConfig())

	f.Emit(models.Transition{EventType: models.EventTypeReservationCreated, EntityID: 5, UserID: 1})
	require.NoError(t, f.Close())

	events := rec.Events("user-1")
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestFanoutDropsAfterMaxAttempts(t *testing.T) {
	rec := NewRecorder()
	rec.FailNext("user-1", 3)
	f := NewFanout(rec, memstore.NewKV(), testConfig())

	f.Emit(models.Transition{EventType: models.EventTypeReservationCreated, EntityID: 1, UserID: 1})
	f.Emit(models.Transition{EventType: models.EventTypeReservationConfirmed, EntityID: 1, UserID: 1})
	require.NoError(t, f.Close())

	events := rec.Events("user-1")
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeReservationConfirmed, events[0].EventType)
	assert.Equal(t, int64(2), events[0].Sequence, "sequence stays monotonic across a dropped event")
}

func TestFanoutEmitAfterClose(t *testing.T) {
	rec := NewRecorder()
	f := NewFanout(rec, memstore.NewKV(), testConfig())
	require.NoError(t, f.Close())

	assert.NotPanics(t, func() {
		f.Emit(models.Transition{EventType: models.EventTypeReservationCreated, UserID: 1})
	})
	assert.Empty(t, rec.Events(""))
	assert.NoError(t, f.Close())
}

func TestMultiPublishesToAll(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	b.FailNext("user-1", 1)
	m := Multi{a, b}

	err := m.Publish(context.Background(), "user-1", "X", models.Event{Group: "user-1"})
	assert.Error(t, err)
	assert.Len(t, a.Events("user-1"), 1)
	assert.Empty(t, b.Events("user-1"))

	require.NoError(t, m.Publish(context.Background(), "user-1", "X", models.Event{Group: "user-1"}))
	assert.Len(t, b.Events("user-1"), 1)
}
