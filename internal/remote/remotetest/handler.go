package remotetest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"notesync/internal/model"
	"notesync/internal/remote"
)

// Handler serves the JSON/HTTP protocol spoken by remote.HTTPClient.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sync/state", func(w http.ResponseWriter, req *http.Request) {
			st, err := s.SyncState(req.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
		r.Get("/sync/ratelimit", func(w http.ResponseWriter, req *http.Request) {
			st, err := s.RateLimitStatus(req.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
		r.Get("/sync/changes", s.handleChanges)
		r.Post("/entities/{kind}", s.handleCreate)
		r.Put("/entities/{kind}/{guid}", s.handleUpdate)
		r.Get("/entities/{kind}/{guid}", s.handleGet)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, remote.ErrAuthExpired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := model.ParseKind(q.Get("kind"))
	if err != nil {
		writeError(w, remote.ErrProtocol)
		return
	}
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("max"))

	batch, err := s.ListChanges(r.Context(), kind, after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := remote.ChangesResponse{
		Entities: make([]remote.WireEntity, 0, len(batch.Entities)),
		Expunged: batch.Expunged,
		HighUSN:  batch.HighUSN,
		More:     batch.More,
	}
	for _, e := range batch.Entities {
		resp.Entities = append(resp.Entities, remote.ToWire(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	e, ok := decodeEntity(w, r)
	if !ok {
		return
	}
	created, err := s.Create(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, remote.ToWire(created))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	e, ok := decodeEntity(w, r)
	if !ok {
		return
	}
	e.GUID = chi.URLParam(r, "guid")
	updated, err := s.Update(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ToWire(updated))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, remote.ErrProtocol)
		return
	}
	e, err := s.Get(r.Context(), kind, chi.URLParam(r, "guid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.ToWire(e))
}

func decodeEntity(w http.ResponseWriter, r *http.Request) (model.Entity, bool) {
	var we remote.WireEntity
	if err := json.NewDecoder(r.Body).Decode(&we); err != nil {
		writeError(w, remote.ErrProtocol)
		return model.Entity{}, false
	}
	e, err := remote.FromWire(we)
	if err != nil || !strings.EqualFold(we.Kind, chi.URLParam(r, "kind")) {
		writeError(w, remote.ErrProtocol)
		return model.Entity{}, false
	}
	return e, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var (
		rl       *remote.RateLimitError
		conflict *remote.ConflictError
	)
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.Seconds))
		writeJSON(w, http.StatusTooManyRequests, remote.ErrorResponse{Error: err.Error(), RetryAfterSeconds: rl.Seconds})
	case errors.As(err, &conflict):
		resp := remote.ConflictResponse{Error: err.Error()}
		if conflict.Remote != nil {
			we := remote.ToWire(*conflict.Remote)
			resp.Remote = &we
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, remote.ErrAuthExpired):
		writeJSON(w, http.StatusUnauthorized, remote.ErrorResponse{Error: err.Error()})
	case errors.Is(err, remote.ErrNotFound):
		writeJSON(w, http.StatusNotFound, remote.ErrorResponse{Error: err.Error()})
	case errors.Is(err, remote.ErrTransient):
		writeJSON(w, http.StatusServiceUnavailable, remote.ErrorResponse{Error: err.Error()})
	case errors.Is(err, remote.ErrProtocol):
		writeJSON(w, http.StatusBadRequest, remote.ErrorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, remote.ErrorResponse{Error: err.Error()})
	}
}
