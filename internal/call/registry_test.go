package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertConsistent checks that the availability index and the session set agree.
func assertConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, id := range r.activeByUser {
		s, ok := r.calls[id]
		if !assert.True(t, ok, "index entry %v points at missing call %s", key, id) {
			continue
		}
		assert.False(t, s.Status.IsTerminal(), "index entry %v points at terminal call %s", key, id)
		assert.Equal(t, key.team, s.Team)
		assert.True(t, s.IsParticipant(key.user), "%s is indexed but not in call %s", key.user, id)
	}

	for id, s := range r.calls {
		for _, user := range s.Participants() {
			assert.Equal(t, id, r.activeByUser[userKey{s.Team, user}], "%s in call %s is not indexed", user, id)
		}
	}
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("call-%d", n)
	}
}

func TestRegistry_CreateCall(t *testing.T) {
	r := NewRegistry(WithIDGenerator(sequentialIDs()))

	s, skipped, err := r.CreateCall(CreateParams{
		Caller:    "alice",
		Receivers: []string{"bob", "carol", "bob", "alice", ""},
		Type:      TypeVideo,
		Team:      "team1",
		Offer:     json.RawMessage(`{"sdp":"x"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, "call-1", s.ID)
	assert.Equal(t, []string{"bob", "carol"}, s.Receivers)
	assert.Equal(t, StatusCalling, s.Status)
	assert.Equal(t, ReceiverRinging, s.ReceiverStates["bob"])
	assert.False(t, s.CreatedAt.IsZero())

	for _, user := range []string{"alice", "bob", "carol"} {
		active, ok := r.ActiveCallOf("team1", user)
		require.True(t, ok, user)
		assert.Equal(t, "call-1", active.ID)
	}
	assert.False(t, r.IsBusy("team2", "alice"))
	assertConsistent(t, r)

	assert.True(t, r.Cleanup("call-1"))
	for _, user := range []string{"alice", "bob", "carol"} {
		assert.False(t, r.IsBusy("team1", user), user)
	}
	assert.Equal(t, 0, r.Len())
	assertConsistent(t, r)
}

func TestRegistry_SkipsBusyReceivers(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.CreateCall(CreateParams{Caller: "dave", Receivers: []string{"bob"}, Team: "team1"})
	require.NoError(t, err)

	s, skipped, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob", "carol"}, Team: "team1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, skipped)
	assert.Equal(t, []string{"carol"}, s.Receivers)
	assert.Equal(t, ReceiverRinging, s.ReceiverStates["carol"])
	assert.False(t, s.IsReceiver("bob"))

	bobCall, ok := r.ActiveCallOf("team1", "bob")
	require.True(t, ok)
	assert.NotEqual(t, s.ID, bobCall.ID)
	assertConsistent(t, r)
}

func TestRegistry_CreateCallErrors(t *testing.T) {
	r := NewRegistry(WithIDGenerator(func() string { return "fixed" }))

	_, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"alice", ""}, Team: "t"})
	assert.ErrorIs(t, err, ErrNoTargets)

	_, _, err = r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	t.Run("caller busy", func(t *testing.T) {
		_, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"carol"}, Team: "t"})
		assert.ErrorIs(t, err, ErrBusy)
		assert.ErrorIs(t, err, ErrCallerBusy)
	})

	t.Run("every receiver busy", func(t *testing.T) {
		_, skipped, err := r.CreateCall(CreateParams{Caller: "carol", Receivers: []string{"alice", "bob"}, Team: "t"})
		assert.ErrorIs(t, err, ErrBusy)
		assert.ErrorIs(t, err, ErrTargetsBusy)
		assert.Equal(t, []string{"alice", "bob"}, skipped)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, _, err := r.CreateCall(CreateParams{CallID: "fixed", Caller: "carol", Receivers: []string{"dave"}, Team: "t"})
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.False(t, r.IsBusy("t", "carol"))
		assert.False(t, r.IsBusy("t", "dave"))
	})

	t.Run("same names in another team", func(t *testing.T) {
		_, _, err := r.CreateCall(CreateParams{CallID: "other", Caller: "alice", Receivers: []string{"bob"}, Team: "t2"})
		assert.NoError(t, err)
	})

	assertConsistent(t, r)
}

func TestRegistry_Accept(t *testing.T) {
	r := NewRegistry(WithIDGenerator(sequentialIDs()))

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob", "carol"}, Team: "t"})
	require.NoError(t, err)

	accepted, cancelled, err := r.Accept(s.ID, "carol", json.RawMessage(`{"sdp":"answer"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, accepted.Status)
	assert.Equal(t, "carol", accepted.AcceptedBy)
	assert.Equal(t, []string{"bob"}, cancelled)
	assert.Equal(t, ReceiverCancelled, accepted.ReceiverStates["bob"])
	assert.NotNil(t, accepted.AnsweredAt)

	assert.False(t, r.IsBusy("t", "bob"))
	assert.True(t, r.IsBusy("t", "carol"))
	assertConsistent(t, r)

	_, _, err = r.Accept(s.ID, "bob", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, _, err = r.Accept("missing", "bob", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	between, ok := r.FindActiveCallBetween("t", "carol", "alice")
	require.True(t, ok)
	assert.Equal(t, s.ID, between.ID)

	_, ok = r.FindActiveCallBetween("t", "alice", "bob")
	assert.False(t, ok)
}

func TestRegistry_Reject(t *testing.T) {
	r := NewRegistry()

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob", "carol"}, Team: "t"})
	require.NoError(t, err)

	after, ended, err := r.Reject(s.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, StatusCalling, after.Status)
	assert.Equal(t, ReceiverRejected, after.ReceiverStates["bob"])
	assert.False(t, r.IsBusy("t", "bob"))
	assertConsistent(t, r)

	_, _, err = r.Reject(s.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)

	final, ended, err := r.Reject(s.ID, "carol")
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, StatusRejected, final.Status)
	assert.NotNil(t, final.EndedAt)

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.False(t, r.IsBusy("t", "alice"))
	assertConsistent(t, r)
}

func TestRegistry_SetStatus(t *testing.T) {
	r := NewRegistry()

	_, ok := r.SetStatus("missing", StatusEnded, Update{})
	assert.False(t, ok)

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	updated, ok := r.SetStatus(s.ID, StatusCalling, Update{})
	require.True(t, ok)
	assert.Nil(t, updated.EndedAt)
	assert.True(t, r.IsBusy("t", "alice"))

	ended, ok := r.SetStatus(s.ID, StatusEnded, Update{EndedBy: "alice", EndReason: "hangup"})
	require.True(t, ok)
	assert.Equal(t, StatusEnded, ended.Status)
	assert.Equal(t, "hangup", ended.EndReason)
	assert.NotNil(t, ended.EndedAt)

	assert.Equal(t, 0, r.Len())
	assert.False(t, r.IsBusy("t", "alice"))
	assert.False(t, r.IsBusy("t", "bob"))
	assertConsistent(t, r)

	// ended calls cannot move again
	_, ok = r.SetStatus(s.ID, StatusInProgress, Update{})
	assert.False(t, ok)
}

func TestRegistry_Transition(t *testing.T) {
	r := NewRegistry()

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	_, _, err = r.Accept(s.ID, "bob", nil)
	require.NoError(t, err)

	_, err = r.Transition(s.ID, StatusCalling, StatusCancelled, Update{EndReason: "timeout"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, r.IsBusy("t", "bob"))

	_, err = r.Transition("missing", StatusCalling, StatusCancelled, Update{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ReleaseReceiver(t *testing.T) {
	r := NewRegistry()

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob", "carol"}, Team: "t"})
	require.NoError(t, err)

	assert.False(t, r.ReleaseReceiver(s.ID, "dave", ReceiverRejected))
	assert.False(t, r.ReleaseReceiver(s.ID, "bob", ReceiverAccepted))
	assert.True(t, r.IsBusy("t", "bob"))

	assert.True(t, r.ReleaseReceiver(s.ID, "bob", ReceiverRejected))
	assert.False(t, r.IsBusy("t", "bob"))
	assert.True(t, r.IsBusy("t", "carol"))

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCalling, got.Status)
	assertConsistent(t, r)

	// bob is free to take another call; cleanup of the first must not free him
	_, _, err = r.CreateCall(CreateParams{CallID: "second", Caller: "dave", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	r.Cleanup(s.ID)
	active, ok := r.ActiveCallOf("t", "bob")
	require.True(t, ok)
	assert.Equal(t, "second", active.ID)
	assertConsistent(t, r)
}

func TestRegistry_CleanupIdempotent(t *testing.T) {
	r := NewRegistry()

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	assert.True(t, r.Cleanup(s.ID))
	assert.False(t, r.Cleanup(s.ID))
	assert.False(t, r.Cleanup("never-existed"))
	assertConsistent(t, r)
}

func TestRegistry_TimeoutFiresOnce(t *testing.T) {
	r := NewRegistry(WithTimeout(30 * time.Millisecond))

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	var fired atomic.Int32
	onTimeout := func(id string) {
		assert.Equal(t, s.ID, id)
		fired.Add(1)
	}

	require.True(t, r.StartTimeout(s.ID, onTimeout))
	require.True(t, r.StartTimeout(s.ID, onTimeout))

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	assert.False(t, r.StartTimeout("missing", onTimeout))
}

func TestRegistry_TimeoutCancelledByAcceptAndCleanup(t *testing.T) {
	r := NewRegistry(WithTimeout(20 * time.Millisecond))

	var fired atomic.Int32
	onTimeout := func(string) { fired.Add(1) }

	accepted, _, err := r.CreateCall(CreateParams{CallID: "a", Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)
	r.StartTimeout(accepted.ID, onTimeout)
	_, _, err = r.Accept(accepted.ID, "bob", nil)
	require.NoError(t, err)

	cleaned, _, err := r.CreateCall(CreateParams{CallID: "c", Caller: "carol", Receivers: []string{"dave"}, Team: "t"})
	require.NoError(t, err)
	r.StartTimeout(cleaned.ID, onTimeout)
	r.Cleanup(cleaned.ID)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestRegistry_TimeoutTransition(t *testing.T) {
	r := NewRegistry(WithTimeout(10 * time.Millisecond))

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob", "carol"}, Team: "t"})
	require.NoError(t, err)

	done := make(chan *Session, 1)
	r.StartTimeout(s.ID, func(id string) {
		ended, err := r.Transition(id, StatusCalling, StatusCancelled, Update{EndReason: "timeout"})
		if assert.NoError(t, err) {
			done <- ended
		}
	})

	select {
	case ended := <-done:
		assert.Equal(t, StatusCancelled, ended.Status)
		assert.Equal(t, ReceiverCancelled, ended.ReceiverStates["bob"])
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}

	assert.Equal(t, 0, r.Len())
	assertConsistent(t, r)
}

func TestRegistry_ConcurrentCreateNeverDoubleBooks(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := r.CreateCall(CreateParams{
				Caller:    fmt.Sprintf("caller-%d", i),
				Receivers: []string{"bob"},
				Team:      "t",
			})
			if err == nil {
				succeeded.Add(1)
			} else {
				assert.True(t, errors.Is(err, ErrBusy))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assertConsistent(t, r)
}

func TestSession_CopiesAreIsolated(t *testing.T) {
	r := NewRegistry()

	s, _, err := r.CreateCall(CreateParams{Caller: "alice", Receivers: []string{"bob"}, Team: "t"})
	require.NoError(t, err)

	s.ReceiverStates["bob"] = ReceiverRejected
	s.Receivers[0] = "mallory"

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, ReceiverRinging, got.ReceiverStates["bob"])
	assert.Equal(t, []string{"bob"}, got.Receivers)
}
