package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStream struct {
	ch     chan Change
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan Change, 8)}
}

func (f *fakeStream) Events() <-chan Change { return f.ch }

func (f *fakeStream) Close() error {
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
	return nil
}

type fakeSource struct {
	session      *Session
	sessionErr   error
	stream       *fakeStream
	subscribeErr error
}

func (f *fakeSource) Session(ctx context.Context) (*Session, error) {
	return f.session, f.sessionErr
}

func (f *fakeSource) Subscribe(ctx context.Context) (ChangeStream, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.stream, nil
}

func waitForSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestStoreLoadingUntilStart(t *testing.T) {
	store := NewStore(&fakeSource{stream: newFakeStream()}, testLogger())
	defer store.Close()

	if snap := store.Snapshot(); snap.State != StateLoading {
		t.Fatalf("expected loading before start, got %v", snap.State)
	}
}

func TestStoreBecomesReadyWithSession(t *testing.T) {
	source := &fakeSource{
		session: &Session{AccessToken: "tok", User: User{ID: "u1"}},
		stream:  newFakeStream(),
	}
	store := NewStore(source, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	snap := store.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("expected ready after start, got %v", snap.State)
	}
	if !snap.Authenticated() {
		t.Fatalf("expected authenticated snapshot")
	}
}

func TestStoreFailedInitialFetchResolvesReadyNil(t *testing.T) {
	source := &fakeSource{
		sessionErr: errors.New("backend down"),
		stream:     newFakeStream(),
	}
	store := NewStore(source, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	snap := store.Snapshot()
	if snap.State != StateReady || snap.Session != nil {
		t.Fatalf("failed fetch must resolve Ready(nil), got %+v", snap)
	}
}

func TestStoreSubscribeFailure(t *testing.T) {
	source := &fakeSource{subscribeErr: errors.New("stream refused")}
	store := NewStore(source, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err == nil {
		t.Fatalf("expected subscribe failure to surface")
	}
}

func TestStoreAppliesNotifications(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{stream: stream}
	store := NewStore(source, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	snapshots, cancel := store.Watch()
	defer cancel()

	signedIn := &Session{AccessToken: "tok", User: User{ID: "u1"}}
	stream.ch <- Change{Kind: KindSignedIn, Session: signedIn}

	snap := waitForSnapshot(t, snapshots)
	if snap.State != StateReady || snap.Session == nil || snap.Session.User.ID != "u1" {
		t.Fatalf("unexpected snapshot after sign-in: %+v", snap)
	}

	stream.ch <- Change{Kind: KindSignedOut, Session: nil}
	snap = waitForSnapshot(t, snapshots)
	if snap.State != StateReady {
		t.Fatalf("store must never revert to loading, got %v", snap.State)
	}
	if snap.Session != nil {
		t.Fatalf("sign-out must clear the session")
	}
}

// racingSource delivers a sign-in notification while the initial session
// fetch is still in flight.
type racingSource struct {
	stream *fakeStream
}

func (r *racingSource) Session(ctx context.Context) (*Session, error) {
	r.stream.ch <- Change{Kind: KindSignedIn, Session: &Session{AccessToken: "raced"}}
	return nil, nil
}

func (r *racingSource) Subscribe(ctx context.Context) (ChangeStream, error) {
	return r.stream, nil
}

func TestStoreSignInDuringStartNotLost(t *testing.T) {
	stream := newFakeStream()
	store := NewStore(&racingSource{stream: stream}, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		snap := store.Snapshot()
		if snap.State == StateReady && snap.Session != nil && snap.Session.AccessToken == "raced" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sign-in during start was lost: %+v", snap)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStoreNeverRevertsToLoading(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{session: &Session{AccessToken: "tok"}, stream: stream}
	store := NewStore(source, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	for _, change := range []Change{
		{Kind: KindTokenRefreshed, Session: &Session{AccessToken: "tok2"}},
		{Kind: KindSignedOut},
		{Kind: KindSignedIn, Session: &Session{AccessToken: "tok3"}},
	} {
		store.apply(change)
		if snap := store.Snapshot(); snap.State != StateReady {
			t.Fatalf("state reverted on %s: %v", change.Kind, snap.State)
		}
	}
}

func TestStoreCloseStopsUpdates(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{session: &Session{AccessToken: "tok"}, stream: stream}
	store := NewStore(source, testLogger())

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !stream.closed {
		t.Fatalf("Close must release the subscription")
	}

	before := store.Snapshot()
	store.apply(Change{Kind: KindSignedOut, Session: nil})
	after := store.Snapshot()
	if before != after {
		t.Fatalf("post-release notification mutated state: %+v -> %+v", before, after)
	}
}

func TestStoreCloseIdempotent(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{stream: stream}
	store := NewStore(source, testLogger())

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if err := store.Start(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("restarting a closed store must fail, got %v", err)
	}
}

func TestStoreWatchCancel(t *testing.T) {
	stream := newFakeStream()
	source := &fakeSource{stream: stream}
	store := NewStore(source, testLogger())
	defer store.Close()

	if err := store.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	snapshots, cancel := store.Watch()
	cancel()

	if _, ok := <-snapshots; ok {
		t.Fatalf("cancelled watcher channel must be closed")
	}
}
