package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/session"
)

// Handlers bundles the dependencies the HTTP handlers need.
type Handlers struct {
	DB        *sql.DB
	Sessions  *session.Registry
	Snapshots *db.SnapshotStore
	Started   time.Time
}

// NewHandlers wires handlers over the session registry and database.
func NewHandlers(database *sql.DB, sessions *session.Registry, snapshots *db.SnapshotStore) *Handlers {
	return &Handlers{DB: database, Sessions: sessions, Snapshots: snapshots, Started: time.Now().UTC()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("err", err))
	}
}

// HandleHealthz responds to liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes by checking database connectivity.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"check":  "database",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports uptime and every observed channel's state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":   time.Since(h.Started).Round(time.Second).String(),
		"channels": h.Sessions.Snapshot(false),
	})
}

// HandleChannels lists observed channels (GET) or starts observing a new one
// (POST with {"channel": "name"}).
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"channels": h.Sessions.List()})
	case http.MethodPost:
		var req struct {
			Channel string `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Channel) == "" {
			http.Error(w, "expected body {\"channel\": \"name\"}", http.StatusBadRequest)
			return
		}
		s, err := h.Sessions.Init(r.Context(), req.Channel)
		if err != nil {
			if errors.Is(err, session.ErrChannelNotFound) {
				http.Error(w, "channel not found", http.StatusNotFound)
				return
			}
			slog.Error("init channel session", slog.String("channel", req.Channel), slog.Any("err", err))
			http.Error(w, "failed to start observing channel", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"channel": s.Name(), "state": s.State().String()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleChannelDispatch routes /channels/{name}[/...] subresources:
//
//	GET    /channels/{name}          current info and state
//	DELETE /channels/{name}          stop observing
//	GET    /channels/{name}/stats    live statistics pull
//	GET    /channels/{name}/history  persisted snapshots (limit query param)
//	GET    /channels/{name}/words    watched phrases
//	POST   /channels/{name}/words    add phrase {"phrase": "..."}
//	DELETE /channels/{name}/words    remove phrase {"phrase": "..."}
func (h *Handlers) HandleChannelDispatch(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/channels/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "missing channel name", http.StatusBadRequest)
		return
	}

	s, ok := h.Sessions.Get(name)
	if !ok {
		http.Error(w, "channel not observed", http.StatusNotFound)
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			info, err := s.Info(r.Context(), r.URL.Query().Get("force") == "true")
			if err != nil {
				slog.Warn("live info fetch", slog.String("channel", s.Name()), slog.Any("err", err))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"channel": s.Name(),
				"state":   s.State().String(),
				"info":    info,
			})
		case http.MethodDelete:
			h.Sessions.Remove(name)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "stats":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel":    s.Name(),
			"statistics": s.Results(),
		})
	case "history":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Snapshots == nil {
			http.Error(w, "snapshot store not configured", http.StatusNotImplemented)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		snaps, err := h.Snapshots.RecentSnapshots(r.Context(), s.Name(), limit)
		if err != nil {
			slog.Error("load snapshots", slog.String("channel", s.Name()), slog.Any("err", err))
			http.Error(w, "failed to load snapshots", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"channel": s.Name(), "snapshots": snaps})
	case "words":
		h.handleWords(w, r, s)
	default:
		http.Error(w, "unknown resource", http.StatusNotFound)
	}
}

func (h *Handlers) handleWords(w http.ResponseWriter, r *http.Request, s *session.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"phrases": s.Words().Phrases()})
	case http.MethodPost, http.MethodDelete:
		var req struct {
			Phrase string `json:"phrase"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Phrase) == "" {
			http.Error(w, "expected body {\"phrase\": \"...\"}", http.StatusBadRequest)
			return
		}
		var err error
		if r.Method == http.MethodPost {
			err = s.Words().Add(req.Phrase)
		} else {
			err = s.Words().Remove(req.Phrase)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"phrases": s.Words().Phrases()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
