// Package api exposes the collector to the dashboard over HTTP and
// WebSocket.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/svmetrics/internal/collector"
	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/statslog"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
)

const (
	summaryCacheKey = "summary"
	summaryCacheTTL = 30 * time.Second
	archiveWindow   = time.Hour
	maxBodyBytes    = 1 << 16
	shutdownTimeout = 5 * time.Second
)

// Queries is the part of the collector served over HTTP.
type Queries interface {
	RecentStats() collector.RecentStats
	ChartData(thread string) (*collector.ChartData, error)
	PerfSummary() (*collector.PerfSummary, error)
	OnRuntimeMemoryReport(m collector.RuntimeMemory) error
	ArchivedData(ctx context.Context, since time.Time) ([]*statslog.DataEntry, error)
}

type archiveResponse struct {
	Since   int64                 `json:"since"`
	Entries []*statslog.DataEntry `json:"entries"`
}

type failResponse struct {
	FailReason errors.ErrorCode `json:"fail_reason"`
}

type cachedResponse struct {
	status int
	body   []byte
}

type Server struct {
	router  *mux.Router
	queries Queries
	hub     *Hub
	cache   *ttlcache.Cache[string, cachedResponse]
	log     logger.Logger
}

func NewServer(queries Queries, hub *Hub, log logger.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		queries: queries,
		hub:     hub,
		cache: ttlcache.New[string, cachedResponse](
			ttlcache.WithTTL[string, cachedResponse](summaryCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, cachedResponse](),
		),
		log: log.With("api"),
	}
	s.registerRoutes()

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.New().Wrap(errors.ErrInitFailed, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.cache.Start()
	defer s.cache.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/perf/recent", s.recent).Methods(http.MethodGet)
	s.router.HandleFunc("/perf/chart/{thread}", s.chart).Methods(http.MethodGet)
	s.router.HandleFunc("/perf/summary", s.summary).Methods(http.MethodGet)
	s.router.HandleFunc("/perf/archive", s.archived).Methods(http.MethodGet)
	s.router.HandleFunc("/intercom/runtime-memory", s.runtimeMemory).Methods(http.MethodPost)
	s.router.Handle("/ws/dashboard", s.hub).Methods(http.MethodGet)
}

func (s *Server) recent(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queries.RecentStats())
}

func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	data, err := s.queries.ChartData(mux.Vars(r)["thread"])
	switch {
	case errors.HasCode(err, collector.ErrDataUnavailable):
		s.writeJSON(w, http.StatusOK, failResponse{FailReason: collector.ErrDataUnavailable})
		return
	case err != nil:
		s.writeFail(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	if item := s.cache.Get(summaryCacheKey); item != nil {
		resp := item.Value()
		s.writeRaw(w, resp.status, resp.body)
		return
	}

	var (
		body []byte
		err  error
	)
	summary, qerr := s.queries.PerfSummary()
	switch {
	case qerr == nil:
		body, err = json.Marshal(summary)
	case errors.HasCode(qerr, collector.ErrInsufficientData):
		body, err = json.Marshal(failResponse{FailReason: collector.ErrInsufficientData})
	default:
		s.writeFail(w, http.StatusInternalServerError, qerr)
		return
	}
	if err != nil {
		s.writeFail(w, http.StatusInternalServerError, err)
		return
	}

	s.cache.Set(summaryCacheKey, cachedResponse{status: http.StatusOK, body: body}, ttlcache.DefaultTTL)
	s.writeRaw(w, http.StatusOK, body)
}

// archived serves the uncompacted archive since the "since" query parameter
// (Unix milliseconds), defaulting to the last hour.
func (s *Server) archived(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-archiveWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			s.writeFail(w, http.StatusBadRequest, errors.New().New(errors.ErrInvalidArgument))
			return
		}
		since = time.UnixMilli(ms)
	}

	entries, err := s.queries.ArchivedData(r.Context(), since)
	if err != nil {
		s.writeFail(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, archiveResponse{Since: since.UnixMilli(), Entries: entries})
}

func (s *Server) runtimeMemory(w http.ResponseWriter, r *http.Request) {
	var report collector.RuntimeMemory
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&report); err != nil {
		s.writeFail(w, http.StatusBadRequest, errors.New().Wrap(collector.ErrInvalidMemoryReport, err))
		return
	}
	if err := s.queries.OnRuntimeMemoryReport(report); err != nil {
		s.writeFail(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeFail(w http.ResponseWriter, status int, err error) {
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrInternal
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, failResponse{FailReason: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.writeRaw(w, status, body)
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}
