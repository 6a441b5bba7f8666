package inkrelay

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const snapshotSchemaVersion = 1

// Logger is the minimal logging surface accepted by long-lived
// components. A nil Logger is silent.
type Logger interface {
	Printf(format string, args ...any)
}

// TrackedDocument records one document delivered to the remote
// repository, keyed in the store by the remote document id.
type TrackedDocument struct {
	Title       string    `json:"title"`
	DeliveredAt time.Time `json:"deliveredAt"`
	MessageID   string    `json:"messageId,omitempty"`
}

// ExpiredDocument is a tracked document whose age meets or exceeds the
// retention threshold, annotated with its computed age.
type ExpiredDocument struct {
	DocumentID string
	TrackedDocument
	AgeDays int
}

type persistedState struct {
	SchemaVersion int                        `json:"schemaVersion"`
	Documents     map[string]TrackedDocument `json:"documents"`
}

// StateBackend persists the whole tracker snapshot. The snapshot is
// always written as a unit; there is no partial update path.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneSnapshot(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneSnapshot(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

type StoreOptions struct {
	// StateBackend persists snapshots. When nil and StateFile is set, a
	// JSON file backend is used; when both are empty the store is
	// memory-only.
	StateBackend StateBackend
	StateFile    string
	Logger       Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the local metadata index of delivered documents. All
// methods are safe for concurrent use; persistence is best-effort:
// save failures are logged and the in-memory state stays
// authoritative for the rest of the process lifetime.
//
// Running two processes against the same snapshot path is undefined
// behavior (last writer wins).
type Store struct {
	mu        sync.Mutex
	backend   StateBackend
	logger    Logger
	now       func() time.Time
	documents map[string]TrackedDocument
	degraded  bool
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		backend:   backend,
		logger:    opts.Logger,
		now:       now,
		documents: map[string]TrackedDocument{},
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.backend == nil {
		return
	}
	snapshot, err := s.backend.Load()
	if err != nil {
		s.logf("failed to load tracker snapshot, starting empty: %v", err)
		return
	}
	if snapshot == nil {
		s.logf("no tracker snapshot found, starting fresh")
		return
	}
	if snapshot.Documents != nil {
		s.documents = snapshot.Documents
	}
	s.logf("loaded %d tracked documents", len(s.documents))
}

// Add inserts or overwrites the entry for documentID and persists the
// snapshot. A zero deliveredAt means now. Deduplication against
// messageID is the caller's job, via IsAlreadyDelivered, before the
// document is delivered at all.
func (s *Store) Add(documentID, title, messageID string, deliveredAt time.Time) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if deliveredAt.IsZero() {
		deliveredAt = s.now()
	}
	s.documents[documentID] = TrackedDocument{
		Title:       title,
		DeliveredAt: deliveredAt,
		MessageID:   messageID,
	}
	s.saveLocked()
	s.logf("tracked document %q (id=%s)", title, documentID)
	return nil
}

// Remove deletes the entry if present. Removing an absent id is a
// no-op, not an error.
func (s *Store) Remove(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return false
	}
	delete(s.documents, documentID)
	s.saveLocked()
	s.logf("removed from tracker: %q (id=%s)", doc.Title, documentID)
	return true
}

func (s *Store) Get(documentID string) (TrackedDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	return doc, ok
}

// IsAlreadyDelivered reports whether any current entry carries the
// given non-empty source message id. Evaluated fresh on every call;
// entries can disappear between calls through eviction or reconcile.
func (s *Store) IsAlreadyDelivered(messageID string) bool {
	if messageID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.documents {
		if doc.MessageID == messageID {
			return true
		}
	}
	return false
}

// ListExpired returns every entry whose age in whole days, floored,
// is >= maxAgeDays, sorted by document id. maxAgeDays of 0 makes
// everything eligible.
func (s *Store) ListExpired(maxAgeDays int) []ExpiredDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var expired []ExpiredDocument
	for id, doc := range s.documents {
		ageDays := int(math.Floor(now.Sub(doc.DeliveredAt).Hours() / 24))
		if ageDays >= maxAgeDays {
			expired = append(expired, ExpiredDocument{
				DocumentID:      id,
				TrackedDocument: doc,
				AgeDays:         ageDays,
			})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].DocumentID < expired[j].DocumentID
	})
	return expired
}

// ListAll returns a copy of the full index; mutating it does not touch
// the live store.
func (s *Store) ListAll() map[string]TrackedDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make(map[string]TrackedDocument, len(s.documents))
	for id, doc := range s.documents {
		all[id] = doc
	}
	return all
}

// Len reports the number of tracked documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

// ReconcileWithRemote drops every entry whose id is absent from
// remoteIDs and persists the result as a single snapshot write. The
// remote listing is ground truth: entries deleted out-of-band must not
// accumulate locally. Returns the number of entries removed.
func (s *Store) ReconcileWithRemote(remoteIDs map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, doc := range s.documents {
		if _, ok := remoteIDs[id]; ok {
			continue
		}
		delete(s.documents, id)
		removed++
		s.logf("document %q (id=%s) no longer on remote, removing from tracker", doc.Title, id)
	}
	if removed > 0 {
		s.saveLocked()
		s.logf("reconciled tracker, removed %d documents", removed)
	}
	return removed
}

// PersistenceDegraded reports whether any snapshot save has failed
// since the store was constructed. Saves keep being attempted either
// way.
func (s *Store) PersistenceDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) Close() {
	if s == nil || s.backend == nil {
		return
	}
	if closer, ok := s.backend.(stateBackendCloser); ok {
		if err := closer.Close(); err != nil {
			s.logf("failed to close state backend: %v", err)
		}
	}
}

func (s *Store) saveLocked() {
	if s.backend == nil {
		return
	}
	snapshot := persistedState{
		SchemaVersion: snapshotSchemaVersion,
		Documents:     s.documents,
	}
	if err := s.backend.Save(&snapshot); err != nil {
		s.degraded = true
		s.logf("failed to save tracker snapshot: %v", err)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
