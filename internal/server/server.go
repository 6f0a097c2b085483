// Package server exposes the memory engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/memoir/internal/guard"
	"github.com/felixgeelhaar/memoir/internal/memory"
	"github.com/felixgeelhaar/memoir/internal/observe"
	"github.com/felixgeelhaar/memoir/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the slice of memory.Engine the HTTP surface needs.
type Engine interface {
	RecordTurn(ctx context.Context, userID, utterance string) ([]string, error)
	RetrieveRelevant(ctx context.Context, userID, query string, topK int) ([]*store.MemoryRecord, error)
	ListMemories(ctx context.Context, userID string) ([]*store.MemoryRecord, error)
	Forget(ctx context.Context, userID, keyword string) (int, error)
	ForgetID(ctx context.Context, userID, id string) error
	Clear(ctx context.Context, userID string) (int, error)
	ChatWithMemory(ctx context.Context, userID, message string, history []store.Turn) (string, []string, error)
	Converse(ctx context.Context, conversationID, userID, message string) (*memory.ConverseResult, error)
	Stats(ctx context.Context, userID string) (*memory.Stats, error)
	Prune(ctx context.Context) (int, error)
	Config() memory.Config
}

type Server struct {
	engine Engine
	guard  *guard.Guard
	obs    *observe.Observer
	router chi.Router
}

func New(e Engine, g *guard.Guard, obs *observe.Observer) *Server {
	if g == nil {
		g = guard.New(guard.DefaultPolicy)
	}
	if obs == nil {
		obs = observe.Nop()
	}
	s := &Server{engine: e, guard: g, obs: obs}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Use(s.checkUser)
		r.Post("/turns", s.recordTurn)
		r.Get("/memories", s.retrieve)
		r.Get("/memories/all", s.list)
		r.Delete("/memories", s.forget)
		r.Delete("/memories/{memoryID}", s.forgetID)
		r.Post("/chat", s.chat)
		r.Post("/conversations", s.converse)
		r.Get("/stats", s.stats)
	})

	r.Post("/v1/admin/prune", s.prune)
	return r
}

// logRequests logs one line per request through the observer.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.obs.Log().Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("duration", time.Since(start).String()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) checkUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := s.guard.CheckUser(chi.URLParam(r, "userID")); v != nil {
			writeError(w, http.StatusForbidden, v)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	IDs []string `json:"ids"`
}

func (s *Server) recordTurn(w http.ResponseWriter, r *http.Request) {
	var in turnRequest
	if !decode(w, r, &in) {
		return
	}
	if v := s.guard.CheckUtterance(in.Text); v != nil {
		writeError(w, http.StatusBadRequest, v)
		return
	}
	ids, err := s.engine.RecordTurn(r.Context(), chi.URLParam(r, "userID"), in.Text)
	if err != nil {
		s.fail(w, err, turnResponse{IDs: nonNil(ids)})
		return
	}
	writeJSON(w, http.StatusCreated, turnResponse{IDs: nonNil(ids)})
}

type memoriesResponse struct {
	Memories []*store.MemoryRecord `json:"memories"`
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topK := s.engine.Config().ContextTopK
	if raw := q.Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("k must be an integer"))
			return
		}
		topK = k
	}
	recs, err := s.engine.RetrieveRelevant(r.Context(), chi.URLParam(r, "userID"), q.Get("q"), s.guard.ClampTopK(topK))
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, memoriesResponse{Memories: recs})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.ListMemories(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	if recs == nil {
		recs = []*store.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, memoriesResponse{Memories: recs})
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
}

// forget deletes memories matching ?match=, or all of them with ?all=true.
func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()

	var (
		n   int
		err error
	)
	switch {
	case q.Get("all") == "true":
		n, err = s.engine.Clear(r.Context(), userID)
	default:
		n, err = s.engine.Forget(r.Context(), userID, q.Get("match"))
	}
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: n})
}

func (s *Server) forgetID(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ForgetID(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "memoryID")); err != nil {
		s.fail(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatRequest struct {
	Message string       `json:"message"`
	History []store.Turn `json:"history"`
}

type chatResponse struct {
	Reply   string   `json:"reply"`
	Created []string `json:"created"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var in chatRequest
	if !decode(w, r, &in) {
		return
	}
	if v := s.guard.CheckUtterance(in.Message); v != nil {
		writeError(w, http.StatusBadRequest, v)
		return
	}
	if v := s.guard.CheckHistory(len(in.History)); v != nil {
		writeError(w, http.StatusBadRequest, v)
		return
	}
	reply, created, err := s.engine.ChatWithMemory(r.Context(), chi.URLParam(r, "userID"), in.Message, in.History)
	out := chatResponse{Reply: reply, Created: nonNil(created)}
	if err != nil {
		s.fail(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type converseRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func (s *Server) converse(w http.ResponseWriter, r *http.Request) {
	var in converseRequest
	if !decode(w, r, &in) {
		return
	}
	if v := s.guard.CheckUtterance(in.Message); v != nil {
		writeError(w, http.StatusBadRequest, v)
		return
	}
	res, err := s.engine.Converse(r.Context(), in.ConversationID, chi.URLParam(r, "userID"), in.Message)
	if err != nil {
		if res == nil {
			s.fail(w, err, nil)
			return
		}
		res.Created = nonNil(res.Created)
		s.fail(w, err, res)
		return
	}
	res.Created = nonNil(res.Created)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) prune(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Prune(r.Context())
	if err != nil {
		s.fail(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: n})
}

// StatusFor maps the engine's error taxonomy onto HTTP status codes. Store
// failures win over completion failures when both are present, since they
// mean data was lost.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrStore):
		return http.StatusInternalServerError
	case errors.Is(err, memory.ErrNoCompleter):
		return http.StatusServiceUnavailable
	case errors.Is(err, memory.ErrCompletion):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Result any    `json:"result,omitempty"`
}

// fail writes err with its mapped status. partial, when non-nil, carries the
// work that did succeed, such as memories recorded before a completion failed.
func (s *Server) fail(w http.ResponseWriter, err error, partial any) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.obs.Log().Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Result: partial})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// Run serves on addr until ctx is done, then shuts down gracefully. When
// pruneEvery is positive, Prune runs on that interval in the background.
func (s *Server) Run(ctx context.Context, addr string, pruneEvery time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if pruneEvery > 0 {
		go s.pruneLoop(ctx, pruneEvery)
	}

	errc := make(chan error, 1)
	go func() {
		s.obs.Log().Info().Str("addr", addr).Msg("starting memoir server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) pruneLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.engine.Prune(ctx); err != nil {
				s.obs.Log().Error().Err(err).Msg("prune failed")
			} else if n > 0 {
				s.obs.Log().Info().Int("pruned", n).Msg("prune complete")
			}
		case <-ctx.Done():
			return
		}
	}
}
