// Package httpapi exposes the operator status API: tracker contents,
// manual sync triggers, and a websocket feed of run events.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/inkrelay/inkrelay/internal/inkrelay"
	"github.com/inkrelay/inkrelay/internal/syncrun"
)

// SyncRunner triggers one sync cycle. Runs are serialized by the
// runner itself; a trigger during a run blocks until the run finishes.
type SyncRunner interface {
	RunOnce(ctx context.Context) (syncrun.Report, error)
}

type ServerConfig struct {
	// AuthToken protects everything except /health. Empty disables auth.
	AuthToken    string
	MaxBodyBytes int64
}

type Server struct {
	store  *inkrelay.Store
	runner SyncRunner
	hub    *EventHub
	cfg    ServerConfig
}

type documentView struct {
	DocumentID  string    `json:"documentId"`
	Title       string    `json:"title"`
	DeliveredAt time.Time `json:"deliveredAt"`
	MessageID   string    `json:"messageId,omitempty"`
}

func NewServer(store *inkrelay.Store, runner SyncRunner, hub *EventHub) *Server {
	return NewServerWithConfig(store, runner, hub, ServerConfig{})
}

func NewServerWithConfig(store *inkrelay.Store, runner SyncRunner, hub *EventHub, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if hub == nil {
		hub = NewEventHub()
	}
	return &Server{store: store, runner: runner, hub: hub, cfg: cfg}
}

// Hub returns the event hub; the syncer's EventSink should publish
// into it.
func (s *Server) Hub() *EventHub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AuthToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	switch {
	case r.URL.Path == "/v1/documents" && r.Method == http.MethodGet:
		s.handleListDocuments(w, r)
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleTriggerSync(w, r)
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	all := s.store.ListAll()
	docs := make([]documentView, 0, len(all))
	for id, doc := range all {
		docs = append(docs, documentView{
			DocumentID:  id,
			Title:       doc.Title,
			DeliveredAt: doc.DeliveredAt,
			MessageID:   doc.MessageID,
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocumentID < docs[j].DocumentID })
	writeJSON(w, http.StatusOK, map[string]any{
		"documents":           docs,
		"count":               len(docs),
		"persistenceDegraded": s.store.PersistenceDegraded(),
	})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "sync_unavailable", "no sync runner configured")
		return
	}
	report, err := s.runner.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// The feed is write-only; CloseRead surfaces client disconnects as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
