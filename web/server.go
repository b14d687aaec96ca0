package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"locate-go/fusion"
	"locate-go/server"
	"locate-go/timeutil"
)

// Executor runs fn with exclusive access to the engine. server.Loop implements it.
type Executor interface {
	Do(ctx context.Context, fn func(*fusion.Engine)) error
}

// Saver persists the configuration after every mutation.
type Saver interface {
	Save(ctx context.Context, rec fusion.Record) error
}

type Server struct {
	Hub *Hub

	exec      Executor
	saver     Saver
	clock     timeutil.Clock
	staticDir string
	log       *slog.Logger

	seq     atomic.Uint64
	saveMu  sync.Mutex
	savedAt uint64
}

func NewServer(exec Executor, saver Saver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Hub:   NewHub(logger),
		exec:  exec,
		saver: saver,
		clock: timeutil.RealClock{},
		log:   logger.With("component", "http"),
	}
	s.Hub.SetGreeting(s.greeting)
	return s
}

func (s *Server) SetClock(c timeutil.Clock) { s.clock = c }

// SetStaticDir serves the frontend from dir on every path not taken by the API.
func (s *Server) SetStaticDir(dir string) { s.staticDir = dir }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/floors", s.handleFloors)
	mux.HandleFunc("GET /api/floors/{floor}/anchors", s.handleFloorAnchors)
	mux.HandleFunc("GET /api/floors/{floor}/entities", s.handleFloorEntities)
	mux.HandleFunc("GET /api/entities", s.handleEntities)
	mux.HandleFunc("GET /api/entities/{id}", s.handleEntity)

	mux.HandleFunc("GET /api/anchors", s.handleAnchors)
	mux.HandleFunc("POST /api/anchors", s.handleAddAnchor)
	mux.HandleFunc("DELETE /api/anchors", s.handleClearAnchors)
	mux.HandleFunc("DELETE /api/anchors/{id}", s.handleRemoveAnchor)
	mux.HandleFunc("PUT /api/anchors/{id}/position", s.handleSetPosition)
	mux.HandleFunc("POST /api/place", s.handlePlace)

	mux.HandleFunc("GET /api/params", s.handleParams)
	mux.HandleFunc("PUT /api/params", s.handleSetParams)
	mux.HandleFunc("GET /api/config", s.handleExport)
	mux.HandleFunc("PUT /api/config", s.handleImport)

	mux.HandleFunc("/ws", s.Hub.ServeWS)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
	return mux
}

// Start runs the hub and serves addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.Hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, fusion.ErrDuplicateAnchor), errors.Is(err, fusion.ErrNoUnplacedAnchor):
		return http.StatusConflict
	case errors.Is(err, fusion.ErrUnknownAnchor):
		return http.StatusNotFound
	case errors.Is(err, fusion.ErrInvalidAnchorID),
		errors.Is(err, fusion.ErrInvalidFloor),
		errors.Is(err, fusion.ErrInvalidParams),
		errors.Is(err, fusion.ErrInvalidPosition),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, server.ErrLoopStopped), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func floorParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(r.PathValue("floor"))
	if err != nil {
		return 0, errors.Join(errBadRequest, err)
	}
	return n, nil
}

// mutate runs fn on the engine and persists the resulting snapshot. Snapshots are
// numbered inside the loop so a slow save never overwrites a newer one. saveMu is
// only taken outside the loop.
func (s *Server) mutate(ctx context.Context, fn func(e *fusion.Engine) error) error {
	var (
		ferr error
		rec  fusion.Record
		seq  uint64
	)
	err := s.exec.Do(ctx, func(e *fusion.Engine) {
		if ferr = fn(e); ferr != nil {
			return
		}
		rec = e.Snapshot()
		seq = s.seq.Add(1)
	})
	if err != nil {
		return err
	}
	if ferr != nil {
		return ferr
	}
	return s.persist(ctx, seq, rec)
}

func (s *Server) persist(ctx context.Context, seq uint64, rec fusion.Record) error {
	if s.saver == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq <= s.savedAt {
		return nil
	}
	if err := s.saver.Save(ctx, rec); err != nil {
		return err
	}
	s.savedAt = seq
	return nil
}

func (s *Server) greeting(ctx context.Context) ([]byte, error) {
	var states []fusion.EntityState
	if err := s.exec.Do(ctx, func(e *fusion.Engine) { states = e.Entities("") }); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return json.Marshal(Frame{Type: FrameSnapshot, TS: now.UnixMilli(), Entities: viewsOf(states, now)})
}

type floorView struct {
	fusion.Floor
	Anchors int `json:"anchors"`
}

func (s *Server) handleFloors(w http.ResponseWriter, r *http.Request) {
	var out []floorView
	err := s.exec.Do(r.Context(), func(e *fusion.Engine) {
		for _, f := range e.Floors().List() {
			out = append(out, floorView{Floor: f, Anchors: len(e.AnchorsOn(f.Index))})
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFloorAnchors(w http.ResponseWriter, r *http.Request) {
	floor, err := floorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var out []fusion.Anchor
	err = s.exec.Do(r.Context(), func(e *fusion.Engine) { out = e.AnchorsOn(floor) })
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleFloorEntities(w http.ResponseWriter, r *http.Request) {
	floor, err := floorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var states []fusion.EntityState
	err = s.exec.Do(r.Context(), func(e *fusion.Engine) { states = e.EntitiesOn(floor) })
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(states, s.clock.Now()))
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	var states []fusion.EntityState
	if err := s.exec.Do(r.Context(), func(e *fusion.Engine) { states = e.Entities(q) }); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(states, s.clock.Now()))
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		st fusion.EntityState
		ok bool
	)
	if err := s.exec.Do(r.Context(), func(e *fusion.Engine) { st, ok = e.Entity(id) }); err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown entity " + id})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st, s.clock.Now(), true))
}

func (s *Server) handleAnchors(w http.ResponseWriter, r *http.Request) {
	var out []fusion.Anchor
	if err := s.exec.Do(r.Context(), func(e *fusion.Engine) { out = e.Anchors() }); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

type addAnchorRequest struct {
	MAC   string `json:"mac"`
	Floor int    `json:"floor"`
}

func (s *Server) handleAddAnchor(w http.ResponseWriter, r *http.Request) {
	var req addAnchorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var a fusion.Anchor
	err := s.mutate(r.Context(), func(e *fusion.Engine) (err error) {
		a, err = e.AddAnchor(req.MAC, req.Floor)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRemoveAnchor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.mutate(r.Context(), func(e *fusion.Engine) error { return e.RemoveAnchor(id) }); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearAnchors(w http.ResponseWriter, r *http.Request) {
	err := s.mutate(r.Context(), func(e *fusion.Engine) error {
		e.ClearAnchors()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type placeRequest struct {
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Floor int      `json:"floor"`
}

func (p placeRequest) validate() error {
	if p.X == nil || p.Y == nil {
		return errors.Join(errBadRequest, errors.New("x and y are required"))
	}
	return nil
}

func (s *Server) handleSetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req placeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, err)
		return
	}
	var a fusion.Anchor
	err := s.mutate(r.Context(), func(e *fusion.Engine) (err error) {
		a, err = e.SetAnchorPosition(id, *req.X, *req.Y, req.Floor)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, err)
		return
	}
	var a fusion.Anchor
	err := s.mutate(r.Context(), func(e *fusion.Engine) (err error) {
		a, err = e.PlaceNextAnchor(*req.X, *req.Y, req.Floor)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	var p fusion.PathLoss
	if err := s.exec.Do(r.Context(), func(e *fusion.Engine) { p = e.Params() }); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fusion.NewParamsRecord(p))
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var req fusion.ParamsRecord
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var p fusion.PathLoss
	err := s.mutate(r.Context(), func(e *fusion.Engine) error {
		// Omitted fields keep their current value.
		p = e.Params()
		if req.RSSIAt1m != nil {
			p.RSSIAt1m = *req.RSSIAt1m
		}
		if req.PathLoss != nil {
			p.Exponent = *req.PathLoss
		}
		return e.SetDistanceParams(p)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fusion.NewParamsRecord(p))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var rec fusion.Record
	if err := s.exec.Do(r.Context(), func(e *fusion.Engine) { rec = e.Snapshot() }); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="ble_config.json"`)
	if err := rec.Encode(w); err != nil {
		s.log.Warn("export", "error", err)
	}
}

type importResponse struct {
	Anchors  int      `json:"anchors"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	rec, err := fusion.DecodeRecord(r.Body)
	if err != nil {
		s.writeError(w, errors.Join(errBadRequest, err))
		return
	}
	var (
		resp     importResponse
		applyErr error
	)
	if err := rec.Params.Resolve().Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	// Rejected anchors do not fail the import; they come back as warnings.
	err = s.mutate(r.Context(), func(e *fusion.Engine) error {
		applyErr = e.Apply(rec)
		resp.Anchors = len(e.Anchors())
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if applyErr != nil {
		resp.Warnings = splitJoined(applyErr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
