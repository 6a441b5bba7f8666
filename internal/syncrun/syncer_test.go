package syncrun

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inkrelay/inkrelay/internal/inkrelay"
)

type fakeRemote struct {
	docs          []inkrelay.RemoteDocument
	nextID        int
	uploadErr     map[string]error
	listCalls     int
	ensureCalls   int
	deleteCalls   []string
	uploadedNames []string
}

func (r *fakeRemote) EnsureFolder(ctx context.Context, folderName string) error {
	r.ensureCalls++
	return nil
}

func (r *fakeRemote) ListDocuments(ctx context.Context, folderName string) ([]inkrelay.RemoteDocument, error) {
	r.listCalls++
	out := make([]inkrelay.RemoteDocument, len(r.docs))
	copy(out, r.docs)
	return out, nil
}

func (r *fakeRemote) UploadDocument(ctx context.Context, folderName, displayName string, payload []byte) (inkrelay.RemoteDocument, error) {
	if err, ok := r.uploadErr[displayName]; ok {
		return inkrelay.RemoteDocument{}, err
	}
	r.nextID++
	doc := inkrelay.RemoteDocument{ID: fmt.Sprintf("doc-%d", r.nextID), DisplayName: displayName}
	r.docs = append(r.docs, doc)
	r.uploadedNames = append(r.uploadedNames, displayName)
	return doc, nil
}

func (r *fakeRemote) DeleteDocument(ctx context.Context, doc inkrelay.RemoteDocument) error {
	r.deleteCalls = append(r.deleteCalls, doc.ID)
	for i, existing := range r.docs {
		if existing.ID == doc.ID {
			r.docs = append(r.docs[:i], r.docs[i+1:]...)
			break
		}
	}
	return nil
}

type fakeFetcher struct {
	items    []Item
	fetchErr error
	marked   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]Item, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.items, nil
}

func (f *fakeFetcher) MarkDelivered(item Item) error {
	f.marked = append(f.marked, item.MessageID)
	return nil
}

func newTestSyncer(t *testing.T, remote *fakeRemote, fetcher Fetcher, now time.Time) (*Syncer, *inkrelay.Store) {
	t.Helper()
	store := inkrelay.NewStore(inkrelay.StoreOptions{
		StateBackend: inkrelay.NewInMemoryStateBackend(),
		Now:          func() time.Time { return now },
	})
	syncer, err := NewSyncer(remote, store, fetcher, SyncerOptions{
		FolderName: "Newsletters",
		MaxAgeDays: 7,
	})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	return syncer, store
}

func TestRunOnceUploadsAndTracks(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{}
	fetcher := &fakeFetcher{items: []Item{
		{MessageID: "msg-1", Title: "Morning Brew", Payload: []byte("a")},
		{MessageID: "msg-2", Title: "Weekly Digest", Payload: []byte("b")},
	}}
	syncer, store := newTestSyncer(t, remote, fetcher, now)

	report, err := syncer.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Uploaded != 2 || report.Skipped != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if remote.ensureCalls != 1 {
		t.Fatalf("expected the folder to be ensured once, got %d", remote.ensureCalls)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 tracked documents, got %d", store.Len())
	}
	if !store.IsAlreadyDelivered("msg-1") || !store.IsAlreadyDelivered("msg-2") {
		t.Fatalf("expected both message ids to be tracked")
	}
	if len(fetcher.marked) != 2 {
		t.Fatalf("expected both items marked delivered, got %v", fetcher.marked)
	}
}

func TestRunOnceSkipsAlreadyDelivered(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{}
	fetcher := &fakeFetcher{items: []Item{
		{MessageID: "msg-1", Title: "Morning Brew", Payload: []byte("a")},
	}}
	syncer, store := newTestSyncer(t, remote, fetcher, now)
	if err := store.Add("doc-existing", "Morning Brew", "msg-1", now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	remote.docs = []inkrelay.RemoteDocument{{ID: "doc-existing", DisplayName: "Morning Brew"}}

	report, err := syncer.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.Uploaded != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(remote.uploadedNames) != 0 {
		t.Fatalf("expected no uploads, got %v", remote.uploadedNames)
	}
}

func TestRunOnceContinuesPastUploadFailure(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{uploadErr: map[string]error{
		"Broken": &inkrelay.RemoteOperationError{Op: "upload document", StatusCode: 500, Message: "boom"},
	}}
	fetcher := &fakeFetcher{items: []Item{
		{MessageID: "msg-1", Title: "Broken", Payload: []byte("a")},
		{MessageID: "msg-2", Title: "Fine", Payload: []byte("b")},
	}}
	syncer, store := newTestSyncer(t, remote, fetcher, now)

	report, err := syncer.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 || report.Uploaded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if store.IsAlreadyDelivered("msg-1") {
		t.Fatalf("a failed upload must not be tracked")
	}
	if !store.IsAlreadyDelivered("msg-2") {
		t.Fatalf("the healthy item must be tracked")
	}
}

func TestRunOnceFailsWhenFetchFails(t *testing.T) {
	remote := &fakeRemote{}
	fetcher := &fakeFetcher{fetchErr: errors.New("imap down")}
	syncer, _ := newTestSyncer(t, remote, fetcher, time.Now())

	if _, err := syncer.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected the run to fail")
	}
}

func TestRunOnceEvictsThenReconciles(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{docs: []inkrelay.RemoteDocument{
		{ID: "doc-old", DisplayName: "Old"},
	}}
	fetcher := &fakeFetcher{}
	syncer, store := newTestSyncer(t, remote, fetcher, now)
	// Expired and still on the remote: evicted remotely and locally.
	if err := store.Add("doc-old", "Old", "msg-old", now.Add(-30*24*time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Fresh locally but deleted out-of-band remotely: pruned by reconcile.
	if err := store.Add("doc-stray", "Stray", "msg-stray", now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := syncer.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", report.Evicted)
	}
	if len(remote.deleteCalls) != 1 || remote.deleteCalls[0] != "doc-old" {
		t.Fatalf("expected one remote delete for doc-old, got %v", remote.deleteCalls)
	}
	if store.Len() != 0 {
		t.Fatalf("expected the tracker to be drained, got %v", store.ListAll())
	}
	// One listing for eviction routing, one for reconcile.
	if remote.listCalls != 2 {
		t.Fatalf("expected 2 remote listings, got %d", remote.listCalls)
	}
}

func TestRunOnceEmitsEvents(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{}
	fetcher := &fakeFetcher{items: []Item{{MessageID: "msg-1", Title: "One", Payload: []byte("a")}}}
	store := inkrelay.NewStore(inkrelay.StoreOptions{
		StateBackend: inkrelay.NewInMemoryStateBackend(),
		Now:          func() time.Time { return now },
	})
	var events []Event
	syncer, err := NewSyncer(remote, store, fetcher, SyncerOptions{
		FolderName: "Newsletters",
		MaxAgeDays: 7,
		EventSink:  func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}

	if _, err := syncer.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{EventRunStarted, EventDocumentUploaded, EventRunCompleted}
	if len(types) != len(want) {
		t.Fatalf("unexpected event sequence: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: want %s, got %s", i, want[i], types[i])
		}
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Morning Brew", "Morning Brew"},
		{"Deals! 50% off?!", "Deals_ 50_ off__"},
		{"a/b\\c:d", "a_b_c_d"},
		{"", "untitled"},
		{"   ", "untitled"},
		{"Ünïcode Tïtle", "Ünïcode Tïtle"},
	}
	for _, tc := range cases {
		if got := SanitizeTitle(tc.in); got != tc.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	long := make([]rune, 0, 80)
	for i := 0; i < 80; i++ {
		long = append(long, 'x')
	}
	if got := SanitizeTitle(string(long)); len([]rune(got)) != 50 {
		t.Errorf("expected long titles capped at 50 runes, got %d", len([]rune(got)))
	}
}
