// Package control is the internal operations endpoint. It resolves
// references, triggers persistence, and reports service status. It must
// only ever be reachable from inside the deployment: every request passes
// a network guard and, when configured, a shared-token check.
package control

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tandem/syncd/internal/archive"
	"tandem/syncd/internal/autosave"
	"tandem/syncd/internal/catalog"
	"tandem/syncd/internal/doc"
	"tandem/syncd/internal/httpx"
	"tandem/syncd/internal/presence"
	"tandem/syncd/internal/snapshot"
)

// Options wires the control plane's collaborators. Catalog, Archive and
// Presence are optional and may be nil; Phase defaults to "running".
type Options struct {
	Registry  *doc.Registry
	Pipeline  *autosave.Pipeline
	Store     snapshot.Store
	Catalog   *catalog.Service
	Archive   *archive.Service
	Presence  *presence.Tracker
	Phase     func() string
	Token     string
	AllowCIDR string
}

type Server struct {
	reg      *doc.Registry
	pipeline *autosave.Pipeline
	store    snapshot.Store
	catalog  *catalog.Service
	archive  *archive.Service
	presence *presence.Tracker
	phase    func() string
	token    string
	allowNet *net.IPNet
}

func New(opts Options) (*Server, error) {
	var allowNet *net.IPNet
	if opts.AllowCIDR != "" {
		_, ipnet, err := net.ParseCIDR(opts.AllowCIDR)
		if err != nil {
			return nil, fmt.Errorf("parse allow cidr: %w", err)
		}
		allowNet = ipnet
	}
	phase := opts.Phase
	if phase == nil {
		phase = func() string { return "running" }
	}
	return &Server{
		reg:      opts.Registry,
		pipeline: opts.Pipeline,
		store:    opts.Store,
		catalog:  opts.Catalog,
		archive:  opts.Archive,
		presence: opts.Presence,
		phase:    phase,
		token:    opts.Token,
		allowNet: allowNet,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.AccessLog)
	r.Use(s.guard)
	r.Methods(http.MethodGet).Path("/internal/references/{ref:.+}").HandlerFunc(s.handleResolveReference)
	r.Methods(http.MethodPost).Path("/internal/changes").HandlerFunc(s.handleNotifyChange)
	r.Methods(http.MethodGet).Path("/internal/status").HandlerFunc(s.handleStatus)
	r.Methods(http.MethodGet).Path("/internal/documents").HandlerFunc(s.handleSearch)
	r.Methods(http.MethodGet).Path("/internal/documents/{id}/history").HandlerFunc(s.handleHistory)
	return r
}

// guard rejects callers outside the internal network surface before any
// handler runs. No state changes on the unauthorized path.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowed(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if !ip.IsLoopback() && (s.allowNet == nil || !s.allowNet.Contains(ip)) {
		return false
	}
	if s.token != "" {
		header := strings.TrimSpace(r.Header.Get("x-syncd-control-token"))
		if subtle.ConstantTimeCompare([]byte(header), []byte(s.token)) != 1 {
			return false
		}
	}
	return true
}

func (s *Server) handleResolveReference(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	id, err := s.reg.LookupReference(r.Context(), ref)
	if err != nil {
		status, code, message, details := mapError(err)
		httpx.WriteError(w, status, code, message, details)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"referenceId": ref,
		"documentId":  id,
	})
}

func (s *Server) handleNotifyChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentID string `json:"documentId"`
	}
	if err := httpx.DecodeBody(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.DocumentID) == "" {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
		return
	}
	seq, err := s.reg.ForceEvent(body.DocumentID)
	if err != nil {
		status, code, message, details := mapError(err)
		httpx.WriteError(w, status, code, message, details)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"documentId": body.DocumentID,
		"seq":        seq,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"snapshots": map[string]any{"status": "ok"},
	}
	if err := s.store.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["snapshots"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.presence != nil {
		if err := s.presence.Ping(ctx); err != nil {
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}
	if s.catalog != nil {
		if configured, healthy := s.catalog.MeiliHealthy(); configured {
			if healthy {
				checks["meilisearch"] = map[string]any{"status": "ok"}
			} else {
				checks["meilisearch"] = map[string]any{"status": "error"}
			}
		}
	}

	stats := s.reg.Stats()
	payload := map[string]any{
		"ok":     status == "ready",
		"status": status,
		"phase":  s.phase(),
		"documents": map[string]any{
			"resident": stats.Resident,
			"dirty":    stats.Dirty,
			"degraded": s.pipeline.Degraded(),
		},
		"checks": checks,
	}
	if s.presence != nil {
		if counts, err := s.presence.Snapshot(ctx); err == nil {
			payload["presence"] = counts
		}
	}
	httpx.WriteJSON(w, statusCode, payload)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := catalog.Query{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if s.catalog == nil {
		httpx.WriteJSON(w, http.StatusOK, catalog.Response{Entries: []catalog.Entry{}, Query: q.Text})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.catalog.Search(q))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	items, err := s.history(id, queryInt(r, "limit", 20))
	if err != nil {
		status, code, message, details := mapError(err)
		httpx.WriteError(w, status, code, message, details)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"documentId": id,
		"history":    items,
	})
}

func (s *Server) history(documentID string, limit int) ([]archive.CommitInfo, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "History is not enabled", nil)
	}
	return s.archive.History(documentID, limit)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, doc.ErrUnknownDocument) || errors.Is(err, archive.ErrNoHistory) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
