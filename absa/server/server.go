// Package server exposes an annotation dataset and the prediction pipeline to the browser UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/theimaginaryfoundation/anno-absa/absa"
)

// Predictor is the prediction pipeline as seen by the server.
type Predictor interface {
	Predict(ctx context.Context, req absa.PredictionRequest) (absa.PredictionResult, error)
}

// Server handles one dataset file. Requests that touch the file run one at a time.
type Server struct {
	store     *absa.Store
	settings  *absa.Settings
	predictor Predictor
	logger    *slog.Logger

	// mu serializes load-modify-save cycles on the dataset file.
	mu  sync.Mutex
	mux *http.ServeMux
}

// New builds a server. predictor may be nil, in which case /predict answers 503.
func New(store *absa.Store, settings *absa.Settings, predictor Predictor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     store,
		settings:  settings,
		predictor: predictor,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /settings", s.handleSettings)
	s.mux.HandleFunc("GET /data/{idx}", s.handleData)
	s.mux.HandleFunc("POST /annotations/{idx}", s.handleAnnotations)
	s.mux.HandleFunc("POST /auto-add-positions", s.handleAutoPositions)
	s.mux.HandleFunc("POST /predict/{idx}", s.handlePredict)
}

// Handler returns the routes wrapped with permissive CORS.
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("backend ready", "addr", addr, "data", s.store.Path(), "format", s.store.Format())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
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
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// loadError maps a dataset load failure to a response.
func (s *Server) loadError(w http.ResponseWriter, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, s.store.Path()+" not found")
		return
	}
	s.logger.Error("load dataset", "path", s.store.Path(), "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "index must be an integer")
		return 0, false
	}
	return idx, true
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.Load()
	if err != nil {
		s.loadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.View(t.Len(), t.CurrentIndex()))
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.Load()
	if err != nil {
		s.loadError(w, err)
		return
	}
	row, err := t.Row(idx)
	if errors.Is(err, absa.ErrIndexOutOfRange) {
		writeError(w, http.StatusNotFound, "Index out of range")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type annotationBody struct {
	Name  string `json:"name"`
	Value []any  `json:"value"`
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	var body annotationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusUnprocessableEntity, "value must be a list")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.Load()
	if err != nil {
		s.loadError(w, err)
		return
	}
	if err := t.SetLabel(idx, body.Value); err != nil {
		if errors.Is(err, absa.ErrIndexOutOfRange) {
			writeError(w, http.StatusNotFound, "Index out of range")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.Save(t); err != nil {
		s.logger.Error("save dataset", "path", s.store.Path(), "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("annotation saved", "index", idx, "records", len(body.Value))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Annotations saved successfully"})
}

func (s *Server) handleAutoPositions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := FillPositions(s.store)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loadError(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Error adding position data: "+err.Error())
		return
	}
	s.logger.Info("positions added", "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Position data auto-addition completed successfully",
		"updated": n,
	})
}

// FillPositions adds missing span offsets to every annotation in the store and rewrites the
// file when anything changed. It returns the number of offset pairs added.
func FillPositions(store *absa.Store) (int, error) {
	t, err := store.Load()
	if err != nil {
		return 0, err
	}
	n := t.FillMissingPositions()
	if n == 0 {
		return 0, nil
	}
	if err := store.Save(t); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	idx, ok := pathIndex(w, r)
	if !ok {
		return
	}
	if !s.settings.EnablePrePrediction {
		writeError(w, http.StatusConflict, "AI pre-prediction is disabled")
		return
	}
	if s.predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "no prediction backend configured")
		return
	}

	// Snapshot the row and the pool, then release the file before the slow backend call.
	s.mu.Lock()
	t, err := s.store.Load()
	if err != nil {
		s.mu.Unlock()
		s.loadError(w, err)
		return
	}
	text, err := t.Text(idx)
	if err != nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Index out of range")
		return
	}
	examples := t.ExamplesExcept(idx)
	s.mu.Unlock()

	req, err := s.settings.PredictionRequest(text, examples)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.predictor.Predict(r.Context(), req)
	if err != nil {
		if absa.IsConfigError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("prediction served", "index", idx, "records", len(res.Predictions), "examples", len(res.UsedExamples))
	writeJSON(w, http.StatusOK, res)
}
