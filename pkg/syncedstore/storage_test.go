package syncedstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/syncedstore/internal/fakehost"
	"github.com/dyluth/syncedstore/pkg/host"
	"github.com/dyluth/syncedstore/pkg/refine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) sink(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// diffRecorder collects the diffs emitted by a Storage.
type diffRecorder struct {
	mu    sync.Mutex
	diffs []refine.Diff
}

func (r *diffRecorder) listen(s *Storage) {
	s.OnStateChanged(func(d refine.Diff) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.diffs = append(r.diffs, d)
	})
}

func (r *diffRecorder) all() []refine.Diff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]refine.Diff(nil), r.diffs...)
}

// setupParticipant joins srv and initializes a store for the new session.
// Writable participants wait until the companion exists.
func setupParticipant(t *testing.T, srv *fakehost.Server, writable bool) (*fakehost.Session, *SyncedStore, *errorRecorder) {
	t.Helper()
	sess := srv.Join()
	sess.SetWritable(writable)
	srv.Flush()

	rec := &errorRecorder{}
	store, err := Init(context.Background(), sess,
		WithErrorSink(rec.sink),
		WithCreationBackoff(10*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(store.Destroy)

	if writable {
		require.Eventually(t, func() bool {
			srv.Flush()
			return store.IsWritable()
		}, time.Second, 5*time.Millisecond)
	}
	return sess, store, rec
}

func TestConnectStorage(t *testing.T) {
	srv := fakehost.NewServer()
	_, store, _ := setupParticipant(t, srv, false)

	t.Run("defaults to main namespace", func(t *testing.T) {
		st, err := store.ConnectStorage("", nil)
		require.NoError(t, err)
		assert.Equal(t, MainStorage, st.ID())
		assert.Empty(t, st.State())
	})

	t.Run("seeded with default state before any companion", func(t *testing.T) {
		st, err := store.ConnectStorage("seeded", map[string]any{"count": 0, "tags": []any{"x"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": 0.0, "tags": []any{"x"}}, st.State())
		assert.False(t, st.IsWritable())
	})

	t.Run("rejects non-mapping default state", func(t *testing.T) {
		for _, bad := range []any{"state", []any{1}, 42, map[string]int{"a": 1}} {
			_, err := store.ConnectStorage("bad", bad)
			assert.ErrorIs(t, err, ErrInvalidDefaultState, "%T", bad)
		}
	})

	t.Run("rejects unserializable default values", func(t *testing.T) {
		_, err := store.ConnectStorage("bad", map[string]any{"ch": make(chan int)})
		assert.ErrorIs(t, err, ErrInvalidDefaultState)
	})

	t.Run("fails after destroy", func(t *testing.T) {
		other, err := Init(context.Background(), srv.Join())
		require.NoError(t, err)
		other.Destroy()
		_, err = other.ConnectStorage("x", nil)
		assert.ErrorIs(t, err, ErrDisconnected)
	})
}

func TestSetState_WriteGating(t *testing.T) {
	ctx := context.Background()

	t.Run("read-only session is denied", func(t *testing.T) {
		srv := fakehost.NewServer()
		_, store, rec := setupParticipant(t, srv, false)
		st, err := store.ConnectStorage("", map[string]any{"a": 1})
		require.NoError(t, err)

		err = st.SetState(ctx, map[string]any{"a": 2})
		assert.ErrorIs(t, err, ErrAccessDenied)
		assert.Equal(t, 0, srv.Writes())
		require.Len(t, rec.all(), 1)
		assert.ErrorIs(t, rec.all()[0], ErrAccessDenied)
		assert.Equal(t, 1.0, st.State()["a"])
	})

	t.Run("writable session without companion", func(t *testing.T) {
		srv := fakehost.NewServer()
		release := make(chan struct{})
		srv.OnCreate(func(string) error {
			<-release
			return nil
		})
		t.Cleanup(func() { close(release) })

		sess := srv.Join()
		sess.SetWritable(true)
		srv.Flush()
		rec := &errorRecorder{}
		store, err := Init(ctx, sess, WithErrorSink(rec.sink))
		require.NoError(t, err)
		t.Cleanup(store.Destroy)

		st, err := store.ConnectStorage("", nil)
		require.NoError(t, err)
		err = st.SetState(ctx, map[string]any{"a": 1})
		assert.ErrorIs(t, err, ErrCompanionUnavailable)
		assert.Equal(t, 0, srv.Writes())
	})
}

func TestSetState_AppliesOnlyOnEcho(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store, rec := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", nil)
	require.NoError(t, err)
	diffs := &diffRecorder{}
	diffs.listen(st)

	require.NoError(t, st.SetState(ctx, map[string]any{"a": 1}))
	_, has := st.Get("a")
	assert.False(t, has, "state must not change before the echo")

	srv.Flush()
	assert.Equal(t, 1.0, st.State()["a"])
	assert.Equal(t, []refine.Diff{{"a": {NewValue: 1.0}}}, diffs.all())

	t.Run("unchanged keys are not written", func(t *testing.T) {
		before := srv.Writes()
		require.NoError(t, st.SetState(ctx, map[string]any{"a": 1.0, "missing": nil}))
		assert.Equal(t, before, srv.Writes())
	})

	t.Run("nil deletes", func(t *testing.T) {
		require.NoError(t, st.SetState(ctx, map[string]any{"a": nil}))
		srv.Flush()
		_, has := st.Get("a")
		assert.False(t, has)
		assert.Equal(t, refine.Diff{"a": {OldValue: 1.0}}, diffs.all()[1])
	})

	assert.Empty(t, rec.all())
}

func TestSetState_PreservesObjectIdentity(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store, _ := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", nil)
	require.NoError(t, err)
	diffs := &diffRecorder{}
	diffs.listen(st)

	obj := map[string]any{"x": 1.0}
	require.NoError(t, st.SetState(ctx, map[string]any{"obj": obj}))
	srv.Flush()

	got, ok := st.Get("obj")
	require.True(t, ok)
	assert.True(t, refine.SameValue(obj, got), "echo must resolve to the written object")
	require.Len(t, diffs.all(), 1)
	assert.True(t, refine.SameValue(obj, diffs.all()[0]["obj"].NewValue))

	// Writing the same object again is a no-op.
	before := srv.Writes()
	require.NoError(t, st.SetState(ctx, map[string]any{"obj": obj}))
	assert.Equal(t, before, srv.Writes())

	// The tree holds the envelope.
	tree := srv.Snapshot()[StorageNS].(map[string]any)[MainStorage].(map[string]any)
	wire := tree["obj"].(map[string]any)
	assert.Equal(t, 1.0, wire[refine.EnvelopeMarker])
	assert.Equal(t, map[string]any{"x": 1.0}, wire["v"])
}

func TestSetState_FreshEmptyList(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store, _ := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", nil)
	require.NoError(t, err)
	diffs := &diffRecorder{}
	diffs.listen(st)

	require.NoError(t, st.SetState(ctx, map[string]any{"list": []any{}}))
	srv.Flush()
	first, ok := st.Get("list")
	require.True(t, ok)

	before := srv.Writes()
	require.NoError(t, st.SetState(ctx, map[string]any{"list": []any{}}))
	assert.Equal(t, before+1, srv.Writes(), "a new empty list is a new value")
	srv.Flush()

	second, _ := st.Get("list")
	assert.False(t, refine.SameValue(first, second))
	require.Len(t, diffs.all(), 2)

	// Writing the held list again is still a no-op.
	before = srv.Writes()
	require.NoError(t, st.SetState(ctx, map[string]any{"list": second}))
	assert.Equal(t, before, srv.Writes())
}

func TestScenario_RemoteWriteReachesPeer(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store1, _ := setupParticipant(t, srv, true)
	_, store2, _ := setupParticipant(t, srv, true)

	st1, err := store1.ConnectStorage("", map[string]any{"hello": "hello"})
	require.NoError(t, err)
	st2, err := store2.ConnectStorage("", map[string]any{"hello": "hello"})
	require.NoError(t, err)
	srv.Flush()

	diffs := &diffRecorder{}
	diffs.listen(st2)

	require.NoError(t, st1.SetState(ctx, map[string]any{"world": "world"}))
	srv.Flush()

	assert.Equal(t, []refine.Diff{{"world": {NewValue: "world"}}}, diffs.all())
	assert.Equal(t, map[string]any{"hello": "hello", "world": "world"}, st2.State())
	assert.Equal(t, st1.State(), st2.State())
}

func TestScenario_ReconnectResnapshots(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store1, _ := setupParticipant(t, srv, true)
	sess2, store2, _ := setupParticipant(t, srv, true)

	st1, err := store1.ConnectStorage("", map[string]any{"hello": "hello", "other": "same"})
	require.NoError(t, err)
	st2, err := store2.ConnectStorage("", map[string]any{"hello": "hello", "other": "same"})
	require.NoError(t, err)
	srv.Flush()

	diffs := &diffRecorder{}
	diffs.listen(st2)

	sess2.SetOnline(false)
	srv.Flush()

	require.NoError(t, st1.SetState(ctx, map[string]any{"hello": 42}))
	srv.Flush()
	assert.Empty(t, diffs.all(), "offline participant must not see the write yet")
	assert.Equal(t, "hello", st2.State()["hello"])

	sess2.SetOnline(true)
	srv.Flush()

	assert.Equal(t, []refine.Diff{{"hello": {OldValue: "hello", NewValue: 42.0}}}, diffs.all())
	assert.Equal(t, map[string]any{"hello": 42.0, "other": "same"}, st2.State())

	// Incremental notifications resume after the re-snapshot.
	require.NoError(t, st1.SetState(ctx, map[string]any{"other": "changed"}))
	srv.Flush()
	require.Len(t, diffs.all(), 2)
	assert.Equal(t, refine.Diff{"other": {OldValue: "same", NewValue: "changed"}}, diffs.all()[1])
}

// connectWithPeerWrite connects the main storage of store2 while sess1 writes
// "late" right after store2's first read of the namespace. When flush is set
// the write is also delivered before the read returns.
func connectWithPeerWrite(t *testing.T, flush bool) (*fakehost.Server, *Storage) {
	t.Helper()
	ctx := context.Background()
	srv := fakehost.NewServer()
	sess1, store1, _ := setupParticipant(t, srv, true)
	sess2, store2, rec := setupParticipant(t, srv, true)

	_, err := store1.ConnectStorage("", map[string]any{"hello": "hello"})
	require.NoError(t, err)
	srv.Flush()

	var once sync.Once
	srv.OnRead(func(sessionID string, path []string) {
		if sessionID != sess2.ID() || len(path) != 2 || path[1] != MainStorage {
			return
		}
		once.Do(func() {
			require.NoError(t, sess1.Update(ctx, []string{StorageNS, MainStorage, "late"}, "write"))
			if flush {
				srv.Flush()
			}
		})
	})

	st, err := store2.ConnectStorage("", map[string]any{"hello": "hello"})
	require.NoError(t, err)
	srv.Flush()
	assert.Empty(t, rec.all())
	return srv, st
}

func TestConnectStorage_PeerWriteDuringSnapshot(t *testing.T) {
	t.Run("write delivered after the read", func(t *testing.T) {
		srv, st := connectWithPeerWrite(t, false)
		assert.Equal(t, map[string]any{"hello": "hello", "late": "write"}, st.State())
		assert.Equal(t, srv.Snapshot()[StorageNS].(map[string]any)[MainStorage], st.State())
	})

	t.Run("write delivered during the read", func(t *testing.T) {
		srv, st := connectWithPeerWrite(t, true)
		assert.Equal(t, map[string]any{"hello": "hello", "late": "write"}, st.State())
		assert.Equal(t, srv.Snapshot()[StorageNS].(map[string]any)[MainStorage], st.State())
	})
}

func TestStorage_ListenersNeverOverlap(t *testing.T) {
	srv := fakehost.NewServer()
	_, store, _ := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", nil)
	require.NoError(t, err)
	srv.Flush()

	var inFlight, overlaps atomic.Int32
	st.OnStateChanged(func(refine.Diff) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	})

	companion := store.Companion()
	require.NotNil(t, companion)

	// Batches from the delivery side race a companion resync from another
	// goroutine, as after a creation that returns before its announcement.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			st.handleActions([]host.Action{{Kind: host.ActionSet, Key: fmt.Sprintf("k%d", i), Value: float64(i)}})
		}(i)
		go func() {
			defer wg.Done()
			st.handleCompanion(companion)
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load(), "diff listeners ran concurrently")
}

func TestSeedDefault_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store1, _ := setupParticipant(t, srv, true)
	_, store2, _ := setupParticipant(t, srv, true)

	st1, err := store1.ConnectStorage("shared", map[string]any{"owner": "first"})
	require.NoError(t, err)
	srv.Flush()
	require.NoError(t, st1.SetState(ctx, map[string]any{"extra": true}))
	srv.Flush()

	st2, err := store2.ConnectStorage("shared", map[string]any{"owner": "second", "mine": 1})
	require.NoError(t, err)
	srv.Flush()

	want := map[string]any{"owner": "first", "extra": true}
	assert.Equal(t, want, st2.State())
	assert.Equal(t, want, st1.State())
	assert.Equal(t, want, srv.Snapshot()[StorageNS].(map[string]any)["shared"])
}

func TestSeedDefault_WhenCompanionAppears(t *testing.T) {
	srv := fakehost.NewServer()
	sess, store, _ := setupParticipant(t, srv, false)

	st, err := store.ConnectStorage("", map[string]any{"hello": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, srv.Writes())

	sess.SetWritable(true)
	require.Eventually(t, func() bool {
		srv.Flush()
		ns, _ := srv.Snapshot()[StorageNS].(map[string]any)
		return ns != nil && ns[MainStorage] != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, map[string]any{"hello": "hello"}, st.State())
	assert.True(t, st.IsWritable())
}

func TestResetAndEmpty(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store, _ := setupParticipant(t, srv, true)

	def := map[string]any{"a": 1, "list": []any{"x"}}
	st, err := store.ConnectStorage("", def)
	require.NoError(t, err)
	srv.Flush()

	require.NoError(t, st.SetState(ctx, map[string]any{"a": 2, "b": "b"}))
	srv.Flush()
	assert.Equal(t, 2.0, st.State()["a"])

	diffs := &diffRecorder{}
	diffs.listen(st)

	require.NoError(t, st.ResetState(ctx))
	srv.Flush()
	assert.Equal(t, map[string]any{"a": 1.0, "list": []any{"x"}}, st.State())
	require.Len(t, diffs.all(), 1)
	assert.Equal(t, refine.Diff{
		"a": {OldValue: 2.0, NewValue: 1.0},
		"b": {OldValue: "b"},
	}, diffs.all()[0], "default objects come back as the same logical value")

	require.NoError(t, st.EnsureState(ctx, map[string]any{"a": 5, "c": "c"}))
	srv.Flush()
	assert.Equal(t, 1.0, st.State()["a"])
	assert.Equal(t, "c", st.State()["c"])

	require.NoError(t, st.EmptyStorage(ctx))
	srv.Flush()
	assert.Empty(t, st.State())
	assert.NoError(t, st.EmptyStorage(ctx), "emptying an empty storage is a no-op")
}

func TestDeleteStorage(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store1, _ := setupParticipant(t, srv, true)
	_, store2, _ := setupParticipant(t, srv, true)

	st1, err := store1.ConnectStorage("doomed", map[string]any{"a": "a"})
	require.NoError(t, err)
	st2, err := store2.ConnectStorage("doomed", nil)
	require.NoError(t, err)
	srv.Flush()
	assert.Equal(t, map[string]any{"a": "a"}, st2.State())

	diffs := &diffRecorder{}
	diffs.listen(st2)

	require.NoError(t, st1.DeleteStorage(ctx))
	assert.True(t, st1.Disconnected())
	srv.Flush()

	_, exists := srv.Snapshot()[StorageNS].(map[string]any)["doomed"]
	assert.False(t, exists)
	assert.Equal(t, []refine.Diff{{"a": {OldValue: "a"}}}, diffs.all())
	assert.Empty(t, st2.State())

	assert.ErrorIs(t, st1.SetState(ctx, map[string]any{"a": 1}), ErrDisconnected)
	assert.ErrorIs(t, st1.DeleteStorage(ctx), ErrDisconnected)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	_, store, rec := setupParticipant(t, srv, true)
	_, peerStore, _ := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", map[string]any{"a": "a"})
	require.NoError(t, err)
	peer, err := peerStore.ConnectStorage("", nil)
	require.NoError(t, err)
	srv.Flush()

	diffs := &diffRecorder{}
	diffs.listen(st)

	st.Disconnect()
	st.Disconnect()

	require.NoError(t, peer.SetState(ctx, map[string]any{"a": "changed"}))
	srv.Flush()

	assert.Empty(t, diffs.all())
	assert.Equal(t, "a", st.State()["a"], "last known state stays readable")

	for _, err := range []error{
		st.SetState(ctx, map[string]any{"a": 1}),
		st.ResetState(ctx),
	} {
		assert.ErrorIs(t, err, ErrDisconnected)
	}
	assert.Len(t, rec.all(), 2)
}

func TestMalformedEntryIsIsolated(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	sess, store, rec := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", nil)
	require.NoError(t, err)
	diffs := &diffRecorder{}
	diffs.listen(st)

	require.NoError(t, sess.Update(ctx, []string{StorageNS, MainStorage}, map[string]any{
		"bad":  map[string]any{refine.EnvelopeMarker: 1, "v": "no key"},
		"good": "ok",
	}))
	srv.Flush()

	assert.Equal(t, []refine.Diff{{"good": {NewValue: "ok"}}}, diffs.all())
	require.Len(t, rec.all(), 1)
	assert.Contains(t, rec.all()[0].Error(), "bad")
}

func TestSessionDisconnect(t *testing.T) {
	ctx := context.Background()
	srv := fakehost.NewServer()
	sess, store, _ := setupParticipant(t, srv, true)

	st, err := store.ConnectStorage("", map[string]any{"a": "a"})
	require.NoError(t, err)
	srv.Flush()

	var writable []bool
	st.OnWritableChanged(func(w bool) { writable = append(writable, w) })

	sess.Close()
	srv.Flush()

	assert.False(t, store.IsWritable())
	assert.Equal(t, []bool{false}, writable)
	assert.Equal(t, map[string]any{"a": "a"}, st.State(), "state is retained")
	assert.ErrorIs(t, st.SetState(ctx, map[string]any{"a": "b"}), ErrAccessDenied)
}
