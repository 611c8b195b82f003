package dto

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_RoundTrip(t *testing.T) {
	payloads := []ScreenData{
		{},
		{SelectedDisplay: "1", DisplayNames: []string{"1", "2"}, ScreenWidth: 1920, ScreenHeight: 1080},
		{SelectedDisplay: strings.Repeat("x", 180_000), MachineName: "ws-01"},
	}
	sizes := []int{1, 7, 1024, DefaultMaxChunkSize}

	for _, p := range payloads {
		for _, size := range sizes {
			wrappers, err := Chunk(p, TypeScreenData, size)
			require.NoError(t, err)
			require.NotEmpty(t, wrappers)

			r := NewReassembler(0)
			var (
				got  ScreenData
				done bool
			)
			for i, w := range wrappers {
				assert.LessOrEqual(t, len(w.Chunk), size)
				assert.Equal(t, i, w.SequenceID)
				got, done, err = TryComplete[ScreenData](r, w)
				require.NoError(t, err)
				if i < len(wrappers)-1 {
					require.False(t, done, "completed before last chunk")
				}
			}
			require.True(t, done)
			if diff := cmp.Diff(p, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
			assert.Zero(t, r.Pending())
		}
	}
}

func TestChunk_FlagsAndInstance(t *testing.T) {
	wrappers, err := Chunk(Key{Key: strings.Repeat("k", 300)}, TypeKeyDown, 100)
	require.NoError(t, err)
	require.Greater(t, len(wrappers), 2)

	first, last := 0, 0
	for _, w := range wrappers {
		assert.Equal(t, wrappers[0].InstanceID, w.InstanceID)
		assert.Equal(t, TypeKeyDown, w.DtoType)
		if w.IsFirstChunk {
			first++
		}
		if w.IsLastChunk {
			last++
		}
	}
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, last)

	other, err := Chunk(Key{Key: "a"}, TypeKeyDown, 100)
	require.NoError(t, err)
	assert.NotEqual(t, wrappers[0].InstanceID, other[0].InstanceID)
}

func TestChunk_RejectsNonPositiveSize(t *testing.T) {
	_, err := Chunk(Key{}, TypeKeyDown, 0)
	require.ErrorIs(t, err, ErrChunkSize)
}

func TestTryComplete_PrefixIsIncomplete(t *testing.T) {
	wrappers, err := Chunk(bytes.Repeat([]byte{0xAB}, 5000), TypeCursorChange, 512)
	require.NoError(t, err)

	r := NewReassembler(0)
	for _, w := range wrappers[:len(wrappers)-1] {
		_, ok := r.TryComplete(w)
		require.False(t, ok)
	}
	assert.Equal(t, 1, r.Pending())
}

func TestTryComplete_ToleratesReorderedChunks(t *testing.T) {
	want := MouseMove{PercentX: 0.25, PercentY: 0.75}
	wrappers, err := Chunk(want, TypeMouseMove, 3)
	require.NoError(t, err)
	require.Greater(t, len(wrappers), 2)

	r := NewReassembler(0)
	last := wrappers[len(wrappers)-1]
	_, ok := r.TryComplete(last)
	require.False(t, ok)

	var msg Message
	for _, w := range wrappers[:len(wrappers)-1] {
		msg, ok = r.TryComplete(w)
	}
	require.True(t, ok)
	got, err := Decode[MouseMove](msg)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTryComplete_DuplicateChunkDoesNotComplete(t *testing.T) {
	want := Key{Key: strings.Repeat("d", 40)}
	wrappers, err := Chunk(want, TypeKeyDown, 8)
	require.NoError(t, err)
	require.Greater(t, len(wrappers), 3)

	r := NewReassembler(0)
	missing := 1
	for i, w := range wrappers {
		if i == missing {
			continue
		}
		_, ok := r.TryComplete(w)
		require.False(t, ok)
	}
	_, ok := r.TryComplete(wrappers[0])
	require.False(t, ok, "a repeated chunk cannot stand in for a missing one")
	assert.Equal(t, 1, r.Pending())

	msg, ok := r.TryComplete(wrappers[missing])
	require.True(t, ok)
	got, err := Decode[Key](msg)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, r.Pending())
}

func TestTryComplete_InterleavedInstances(t *testing.T) {
	a, err := Chunk(Key{Key: strings.Repeat("a", 40)}, TypeKeyDown, 8)
	require.NoError(t, err)
	b, err := Chunk(Key{Key: strings.Repeat("b", 40)}, TypeKeyUp, 8)
	require.NoError(t, err)

	r := NewReassembler(0)
	var done []Message
	for i := 0; i < len(a) || i < len(b); i++ {
		for _, set := range [][]Wrapper{a, b} {
			if i < len(set) {
				if msg, ok := r.TryComplete(set[i]); ok {
					done = append(done, msg)
				}
			}
		}
	}
	require.Len(t, done, 2)
	for _, msg := range done {
		k, err := Decode[Key](msg)
		require.NoError(t, err)
		switch msg.Type {
		case TypeKeyDown:
			assert.Equal(t, strings.Repeat("a", 40), k.Key)
		case TypeKeyUp:
			assert.Equal(t, strings.Repeat("b", 40), k.Key)
		default:
			t.Fatalf("unexpected type %s", msg.Type)
		}
	}
}

func TestReassembler_SweepEvictsStalePartials(t *testing.T) {
	wrappers, err := Chunk(bytes.Repeat([]byte{1}, 100), TypeScreenData, 10)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	r := NewReassembler(time.Minute)
	r.now = func() time.Time { return now }

	r.TryComplete(wrappers[0])
	require.Equal(t, 1, r.Pending())

	assert.Zero(t, r.Sweep(now.Add(30*time.Second)))
	assert.Equal(t, 1, r.Sweep(now.Add(2*time.Minute)))
	assert.Zero(t, r.Pending())
}

func TestWrapper_MarshalRoundTrip(t *testing.T) {
	wrappers, err := Chunk(FrameReceived{Timestamp: 42}, TypeFrameReceived, DefaultMaxChunkSize)
	require.NoError(t, err)
	require.Len(t, wrappers, 1)

	w := wrappers[0]
	w.RequestID = "req-1"
	raw, err := w.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalWrapper(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(w, decoded); diff != "" {
		t.Errorf("wrapper mismatch (-want +got):\n%s", diff)
	}

	_, err = UnmarshalWrapper([]byte{0xc1})
	require.Error(t, err)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "FrameReceived", TypeFrameReceived.String())
	assert.Equal(t, "Type(99)", Type(99).String())
}
