package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "remotecast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBindings_PutGetUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	missing, err := s.GetBinding(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := &UnattendedBinding{
		SessionID:   "S1",
		SealedKey:   "v1.aa",
		MachineName: "host-a",
		CreatedAt:   created,
		LastSeen:    created,
	}
	require.NoError(t, s.PutBinding(ctx, b))

	got, err := s.GetBinding(ctx, "S1")
	require.NoError(t, err)
	if diff := cmp.Diff(b, got); diff != "" {
		t.Fatalf("binding mismatch (-want +got):\n%s", diff)
	}

	later := created.Add(time.Hour)
	require.NoError(t, s.PutBinding(ctx, &UnattendedBinding{
		SessionID:   "S1",
		SealedKey:   "v1.bb",
		MachineName: "host-b",
		CreatedAt:   later,
		LastSeen:    later,
	}))
	got, err = s.GetBinding(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "v1.bb", got.SealedKey)
	assert.Equal(t, "host-b", got.MachineName)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, later, got.LastSeen)

	touched := later.Add(time.Minute)
	require.NoError(t, s.TouchBinding(ctx, "S1", touched))
	list, err := s.ListBindings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, touched, list[0].LastSeen)

	require.NoError(t, s.DeleteBinding(ctx, "S1"))
	got, err = s.GetBinding(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, s.DeleteBinding(ctx, "S1"), ErrNotFound)
}

func TestEvents_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, e := range []*SessionEvent{
		{SessionID: "S1", Kind: EventRegistered},
		{SessionID: "S2", Kind: EventRegistered},
		{SessionID: "S1", Kind: EventCastAccepted, Detail: "alice"},
	} {
		require.NoError(t, s.RecordEvent(ctx, e))
		assert.NotZero(t, e.ID)
	}

	events, err := s.ListEvents(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCastAccepted, events[0].Kind)
	assert.Equal(t, "alice", events[0].Detail)
	assert.Equal(t, EventRegistered, events[1].Kind)

	all, err := s.ListEvents(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
