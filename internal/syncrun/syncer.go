// Package syncrun orchestrates one delivery cycle: fetch candidate
// items, suppress duplicates, upload the converted payloads, track the
// deliveries, then evict aged-out documents and reconcile the tracker
// against the remote listing.
package syncrun

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/inkrelay/inkrelay/internal/inkrelay"
)

const maxDisplayNameRunes = 50

// Item is one candidate document from the source. MessageID is the
// stable identifier used for deduplication; it may be empty for items
// not tied to a source message, which are then always delivered.
type Item struct {
	MessageID string
	Title     string
	Payload   []byte
}

// Fetcher produces the current batch of candidate items. The source is
// expected to deliver items already deduplicated at the protocol
// level; the syncer only suppresses redelivery of tracked message ids.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Item, error)
}

// deliveredMarker is implemented by fetchers that want to be told when
// an item has been delivered, so they can drain their backlog.
type deliveredMarker interface {
	MarkDelivered(item Item) error
}

// Converter turns an item's payload into the binary format the remote
// repository accepts. Implementations must be pure and stateless.
type Converter interface {
	Convert(item Item) ([]byte, error)
}

// PassthroughConverter hands the payload through unchanged.
type PassthroughConverter struct{}

func (PassthroughConverter) Convert(item Item) ([]byte, error) {
	return item.Payload, nil
}

type Logger interface {
	Printf(format string, args ...any)
}

// Event is a state transition published during a sync run, consumed by
// the status API's event feed.
type Event struct {
	RunID      string    `json:"runId"`
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId,omitempty"`
	Title      string    `json:"title,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	EventRunStarted       = "run.started"
	EventRunCompleted     = "run.completed"
	EventRunFailed        = "run.failed"
	EventDocumentUploaded = "document.uploaded"
	EventDocumentSkipped  = "document.skipped"
)

// Report summarizes one sync run.
type Report struct {
	RunID    string `json:"runId"`
	Uploaded int    `json:"uploaded"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Evicted  int    `json:"evicted"`
}

type SyncerOptions struct {
	FolderName string
	MaxAgeDays int
	Converter  Converter
	Logger     Logger
	// EventSink receives run events; nil discards them.
	EventSink func(Event)
}

// Syncer runs delivery cycles. A mutex serializes cycles so the
// watcher, a periodic schedule, and the status API can all trigger
// runs without two ever overlapping.
type Syncer struct {
	mu         sync.Mutex
	remote     inkrelay.RemoteClient
	store      *inkrelay.Store
	fetcher    Fetcher
	reconciler *inkrelay.Reconciler
	converter  Converter
	folderName string
	maxAgeDays int
	logger     Logger
	sink       func(Event)
}

func NewSyncer(remote inkrelay.RemoteClient, store *inkrelay.Store, fetcher Fetcher, opts SyncerOptions) (*Syncer, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	folderName := strings.TrimSpace(opts.FolderName)
	if folderName == "" {
		return nil, fmt.Errorf("folder name is required")
	}
	if opts.MaxAgeDays < 0 {
		return nil, fmt.Errorf("max age days must not be negative")
	}
	converter := opts.Converter
	if converter == nil {
		converter = PassthroughConverter{}
	}
	reconciler, err := inkrelay.NewReconciler(remote, store, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Syncer{
		remote:     remote,
		store:      store,
		fetcher:    fetcher,
		reconciler: reconciler,
		converter:  converter,
		folderName: folderName,
		maxAgeDays: opts.MaxAgeDays,
		logger:     opts.Logger,
		sink:       opts.EventSink,
	}, nil
}

// RunOnce executes one full cycle: upload new items, evict expired
// documents, reconcile the tracker. Per-item failures are logged and
// counted without aborting the batch; only fetch or remote listing
// failures fail the run as a whole.
func (s *Syncer) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{RunID: uuid.NewString()}
	s.emit(Event{RunID: report.RunID, Type: EventRunStarted})
	s.logf("sync run %s started", report.RunID)

	if err := s.remote.EnsureFolder(ctx, s.folderName); err != nil {
		return s.fail(report, fmt.Errorf("ensure folder %q: %w", s.folderName, err))
	}

	items, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return s.fail(report, fmt.Errorf("fetch candidates: %w", err))
	}

	for _, item := range items {
		if item.MessageID != "" && s.store.IsAlreadyDelivered(item.MessageID) {
			report.Skipped++
			s.logf("skipping already delivered: %q", item.Title)
			s.emit(Event{RunID: report.RunID, Type: EventDocumentSkipped, Title: item.Title})
			continue
		}
		payload, err := s.converter.Convert(item)
		if err != nil {
			report.Failed++
			s.logf("error converting %q: %v", item.Title, err)
			continue
		}
		displayName := SanitizeTitle(item.Title)
		doc, err := s.remote.UploadDocument(ctx, s.folderName, displayName, payload)
		if err != nil {
			report.Failed++
			s.logf("error uploading %q: %v", item.Title, err)
			continue
		}
		if err := s.store.Add(doc.ID, displayName, item.MessageID, time.Time{}); err != nil {
			s.logf("error tracking %q (id=%s): %v", displayName, doc.ID, err)
		}
		if marker, ok := s.fetcher.(deliveredMarker); ok {
			if err := marker.MarkDelivered(item); err != nil {
				s.logf("error marking %q delivered at the source: %v", item.Title, err)
			}
		}
		report.Uploaded++
		s.logf("uploaded %q (id=%s)", displayName, doc.ID)
		s.emit(Event{RunID: report.RunID, Type: EventDocumentUploaded, DocumentID: doc.ID, Title: displayName})
	}

	evicted, err := s.reconciler.EvictExpired(ctx, s.folderName, s.maxAgeDays)
	report.Evicted = evicted
	if err != nil {
		return s.fail(report, err)
	}
	if err := s.reconciler.Reconcile(ctx, s.folderName); err != nil {
		return s.fail(report, err)
	}

	s.logf("sync run %s complete: uploaded=%d skipped=%d failed=%d evicted=%d",
		report.RunID, report.Uploaded, report.Skipped, report.Failed, report.Evicted)
	s.emit(Event{
		RunID:  report.RunID,
		Type:   EventRunCompleted,
		Detail: fmt.Sprintf("uploaded=%d skipped=%d failed=%d evicted=%d", report.Uploaded, report.Skipped, report.Failed, report.Evicted),
	})
	return report, nil
}

func (s *Syncer) fail(report Report, err error) (Report, error) {
	s.logf("sync run %s failed: %v", report.RunID, err)
	s.emit(Event{RunID: report.RunID, Type: EventRunFailed, Detail: err.Error()})
	return report, err
}

func (s *Syncer) emit(ev Event) {
	if s.sink == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	s.sink(ev)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// SanitizeTitle reduces a source title to a display name the remote
// repository accepts: letters, digits, spaces, dashes and underscores,
// capped at 50 runes.
func SanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "untitled"
	}
	runes := []rune(out)
	if len(runes) > maxDisplayNameRunes {
		out = strings.TrimSpace(string(runes[:maxDisplayNameRunes]))
	}
	return out
}
