// Package admin serves a read-only JSON view of a running chat server over
// HTTP, and the small client the CLI uses to query it.
//
// Endpoints:
//
//	GET /health  200 while the server is accepting connections
//	GET /stats   counters, storage usage and capacity
//	GET /users   connected sessions with name, root flag and transfer state
//	GET /files   stored files with their expiry deadlines
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/chatfs/internal/registry"
	"github.com/dreamware/chatfs/internal/server"
	"github.com/dreamware/chatfs/internal/storage"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// User is one connected session as reported by /users.
type User struct {
	Slot     int    `json:"slot"`
	Name     string `json:"name,omitempty"`
	Root     bool   `json:"root,omitempty"`
	Transfer string `json:"transfer"`
}

// File is one stored file as reported by /files.
type File struct {
	Name    string     `json:"name"`
	Expires *time.Time `json:"expires,omitempty"`
}

// UsersResponse is the body of /users.
type UsersResponse struct {
	Users    []User `json:"users"`
	Capacity int    `json:"capacity"`
}

// FilesResponse is the body of /files.
type FilesResponse struct {
	Files []File `json:"files"`
}

// StatsSource reports server statistics.
type StatsSource interface {
	Stats() server.Stats
}

// Handler answers admin requests. Store and Sweeper are optional; without a
// store /files reports nothing.
type Handler struct {
	Stats    StatsSource
	Registry *registry.Registry
	Store    storage.Store
	Sweeper  *storage.Sweeper

	mux *http.ServeMux
}

// NewHandler builds the admin routes for srv.
func NewHandler(srv *server.Server, store storage.Store, sweeper *storage.Sweeper) *Handler {
	h := &Handler{Stats: srv, Registry: srv.Registry(), Store: store, Sweeper: sweeper}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/stats", h.handleStats)
	h.mux.HandleFunc("/users", h.handleUsers)
	h.mux.HandleFunc("/files", h.handleFiles)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.mux == nil {
		h.routes()
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Stats.Stats())
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	entries := h.Registry.Snapshot()
	users := make([]User, 0, len(entries))
	for _, e := range entries {
		users = append(users, User{
			Slot:     e.Handle.Slot,
			Name:     e.Username,
			Root:     e.LoggedIn() && h.Registry.IsRoot(e.Handle),
			Transfer: e.Transfer.String(),
		})
	}
	writeJSON(w, UsersResponse{Users: users, Capacity: h.Registry.Capacity()})
}

func (h *Handler) handleFiles(w http.ResponseWriter, r *http.Request) {
	resp := FilesResponse{Files: []File{}}
	if h.Store != nil {
		names := h.Store.List()
		slices.Sort(names)
		for _, name := range names {
			f := File{Name: name}
			if h.Sweeper != nil {
				if d, ok := h.Sweeper.Deadline(name); ok {
					f.Expires = &d
				}
			}
			resp.Files = append(resp.Files, f)
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("encode admin response")
	}
}
