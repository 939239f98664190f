package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"gigflow/db/dbtest"
	"gigflow/notify"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []Event
	pending  []Event
	sent     []string
	failed   map[string]string
	claimErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{failed: map[string]string{}}
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeStore) Claim(_ context.Context, limit int, _ time.Duration) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	out := f.pending[:limit]
	f.pending = f.pending[limit:]
	return out, nil
}

func (f *fakeStore) MarkSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, cause string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = cause
	return nil
}

type selectiveNotifier struct {
	mu     sync.Mutex
	failID string
	got    []string
}

func (s *selectiveNotifier) Enqueue(_ context.Context, n notify.Notification) error {
	if n.ID == s.failID {
		return errors.New("sink unavailable")
	}
	s.mu.Lock()
	s.got = append(s.got, n.ID)
	s.mu.Unlock()
	return nil
}

func notification(id string) notify.Notification {
	return notify.Notification{ID: id, UserID: "u-1", Type: notify.TypeContract, Content: "hi", Priority: notify.PriorityHigh}
}

func TestQueueStageWritesOutboxRow(t *testing.T) {
	store := newFakeStore()
	q := NewQueue(store, notify.Discard{}, nil)

	if err := q.Stage(context.Background(), &dbtest.Tx{}, notification("n-1")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected one outbox row")
	}
	row := store.inserted[0]
	if row.ID != "n-1" || row.Topic != "notification.contract" {
		t.Fatalf("unexpected row %+v", row)
	}
	var decoded notify.Notification
	if err := json.Unmarshal(row.Payload, &decoded); err != nil || decoded.UserID != "u-1" {
		t.Fatalf("payload did not round trip: %v %+v", err, decoded)
	}
}

func TestQueueFlushMarksOnlyDelivered(t *testing.T) {
	store := newFakeStore()
	sink := &selectiveNotifier{failID: "n-2"}
	q := NewQueue(store, sink, nil)

	q.Flush(context.Background(), []notify.Notification{notification("n-1"), notification("n-2")})

	if len(store.sent) != 1 || store.sent[0] != "n-1" {
		t.Fatalf("expected only n-1 marked sent, got %v", store.sent)
	}
}

func pendingEvent(t *testing.T, id string) Event {
	t.Helper()
	payload, err := json.Marshal(notification(id))
	if err != nil {
		t.Fatal(err)
	}
	return Event{ID: id, Topic: "notification.contract", Payload: payload, Status: StatusPending, Attempts: 1}
}

func TestRelayRunOnce(t *testing.T) {
	store := newFakeStore()
	store.pending = []Event{
		pendingEvent(t, "n-1"),
		pendingEvent(t, "n-2"),
		pendingEvent(t, "n-3"),
		{ID: "bad", Topic: "notification.contract", Payload: []byte("{not json")},
	}
	sink := &selectiveNotifier{failID: "n-2"}
	relay := NewRelay(store, sink, nil).WithBatchSize(10)

	sent, err := relay.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	if _, ok := store.failed["n-2"]; !ok {
		t.Errorf("expected n-2 marked failed")
	}
	if _, ok := store.failed["bad"]; !ok {
		t.Errorf("expected undecodable row marked failed")
	}
	if len(store.sent) != 2 {
		t.Errorf("expected two rows marked sent, got %v", store.sent)
	}
}

func TestRelayRunOnceClaimError(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("db down")
	if _, err := NewRelay(store, notify.Discard{}, nil).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected claim error")
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	store.pending = []Event{pendingEvent(t, "n-1")}
	sink := &selectiveNotifier{}
	relay := NewRelay(store, sink, nil).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 {
		t.Fatalf("expected relay to deliver pending row, got %v", sink.got)
	}
}
