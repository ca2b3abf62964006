package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-relay/relay/internal/domain/model"
	"github.com/agent-relay/relay/internal/store"
)

// Version is stamped at build time.
var Version = "dev"

// NewHTTPHandler builds the dashboard API.
func NewHTTPHandler(m *Manager, hub *Hub, st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsAll)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", hub.ServeHTTP)
	r.Get("/messages", messagesHandler(st))

	r.Route("/workspaces", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"workspaces":        m.List(),
				"activeWorkspaceId": m.ActiveID(),
			})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Name string `json:"name"`
				Path string `json:"path"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Path == "" {
				writeError(w, http.StatusBadRequest, "path is required")
				return
			}
			ws, err := m.Add(req.Context(), body.Name, body.Path)
			if err != nil {
				writeManagerError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, ws)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				ws, ok := m.Get(chi.URLParam(req, "id"))
				if !ok {
					writeError(w, http.StatusNotFound, "unknown workspace")
					return
				}
				writeJSON(w, http.StatusOK, ws)
			})
			r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
				if err := m.Remove(req.Context(), chi.URLParam(req, "id")); err != nil {
					writeManagerError(w, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
			r.Post("/switch", func(w http.ResponseWriter, req *http.Request) {
				ws, err := m.Switch(chi.URLParam(req, "id"))
				if err != nil {
					writeManagerError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, ws)
			})

			r.Get("/agents", func(w http.ResponseWriter, req *http.Request) {
				agents, err := m.Agents(chi.URLParam(req, "id"))
				if err != nil {
					writeManagerError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
			})
			r.Post("/agents", func(w http.ResponseWriter, req *http.Request) {
				var spawn SpawnRequest
				if err := json.NewDecoder(req.Body).Decode(&spawn); err != nil || spawn.Name == "" {
					writeError(w, http.StatusBadRequest, "agent name is required")
					return
				}
				if err := m.Spawn(req.Context(), chi.URLParam(req, "id"), spawn); err != nil {
					writeManagerError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]string{"name": spawn.Name})
			})
			r.Delete("/agents/{name}", func(w http.ResponseWriter, req *http.Request) {
				err := m.StopAgent(req.Context(), chi.URLParam(req, "id"), chi.URLParam(req, "name"))
				if err != nil {
					writeManagerError(w, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
		})
	})

	return r
}

// messagesHandler serves stored message history. Fetching history on behalf
// of an agent is a read receipt: every unread row returned to a named agent
// advances to read.
func messagesHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		qs := req.URL.Query()
		q := model.MessageQuery{
			From:       qs.Get("from"),
			To:         qs.Get("agent"),
			Topic:      qs.Get("topic"),
			Thread:     qs.Get("thread"),
			UnreadOnly: qs.Get("unread") == "true",
			UrgentOnly: qs.Get("urgent") == "true",
			Descending: qs.Get("order") == "desc",
		}
		if v := qs.Get("since"); v != "" {
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be a unix-milli timestamp")
				return
			}
			q.SinceTS = ts
		}
		if v := qs.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			q.Limit = n
		}

		rows, err := st.GetMessages(req.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if q.To != "" {
			for _, row := range rows {
				if row.Status != model.StatusUnread {
					continue
				}
				if err := st.UpdateMessageStatus(req.Context(), row.ID, model.StatusRead); err != nil {
					continue
				}
				row.Status = model.StatusRead
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": rows})
	}
}

func corsAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownWorkspace):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicatePath):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
