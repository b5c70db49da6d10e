package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/spreadwatch/internal/metrics"
	"github.com/gregtusar/spreadwatch/pkg/engine"
	"github.com/gregtusar/spreadwatch/pkg/instruments"
	"github.com/gregtusar/spreadwatch/pkg/models"
	"github.com/gregtusar/spreadwatch/pkg/store"
)

// Engine is the part of the spread engine the HTTP API reads from.
type Engine interface {
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	Rank(ctx context.Context) ([]models.Opportunity, error)
	Current(ctx context.Context, key models.InstrumentKey) (models.BucketSummary, bool, error)
	SetSelected(ctx context.Context, keys []models.InstrumentKey) error
}

type Config struct {
	Port          int
	TokenSecret   string
	AllowedOrigin string
}

type Server struct {
	engine Engine
	store  store.Store
	hub    *Hub
	logger *logrus.Logger
	cfg    Config
	http   *http.Server
}

func NewServer(e Engine, st store.Store, hub *Hub, logger *logrus.Logger, cfg Config) *Server {
	s := &Server{
		engine: e,
		store:  st,
		hub:    hub,
		logger: logger,
		cfg:    cfg,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/opportunities", s.handleOpportunities).Methods(http.MethodGet)
	r.HandleFunc("/api/history/{symbol}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/buckets/{symbol}", s.handleBuckets).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/selection", s.requireToken(s.handleSelection)).Methods(http.MethodPut)
	r.HandleFunc("/api/export", s.requireToken(s.handleExport)).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/api/stream", s.hub.ServeWS)
	}
	r.Handle("/metrics", metrics.Handler())

	return s.corsMiddleware(r)
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %d", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status      models.Health            `json:"status"`
	Connections []models.ConnectionEvent `json:"connections"`
	Instruments int                      `json:"instruments"`
	Engine      engine.Snapshot          `json:"engine"`
	Timestamp   time.Time                `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := healthResponse{
		Status:      snap.Health,
		Instruments: snap.Instruments,
		Engine:      snap,
		Timestamp:   time.Now().UTC(),
	}
	for _, venue := range []models.Venue{models.VenueHyperliquid, models.VenueLighter} {
		resp.Connections = append(resp.Connections, snap.Connections[venue])
	}

	status := http.StatusOK
	if snap.Health == models.HealthDown {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	ranked, err := s.engine.Rank(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if ranked == nil {
		ranked = []models.Opportunity{}
	}
	s.writeJSON(w, http.StatusOK, ranked)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := symbolKey(mux.Vars(r)["symbol"])
	start, end, err := timeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.store.Query(r.Context(), store.KindPriceUpdate, key, start, end)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", key).Error("Failed to query history")
		s.writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	out := make([]models.SpreadObservation, 0, len(recs))
	for _, rec := range recs {
		if rec.Observation != nil {
			out = append(out, *rec.Observation)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

type bucketsResponse struct {
	Symbol  models.InstrumentKey   `json:"symbol"`
	Buckets []models.BucketSummary `json:"buckets"`
	Current *models.BucketSummary  `json:"current,omitempty"`
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	key := symbolKey(mux.Vars(r)["symbol"])
	start, end, err := timeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.store.Query(r.Context(), store.KindBucket, key, start, end)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", key).Error("Failed to query buckets")
		s.writeError(w, http.StatusInternalServerError, "failed to query buckets")
		return
	}
	resp := bucketsResponse{Symbol: key, Buckets: make([]models.BucketSummary, 0, len(recs))}
	for _, rec := range recs {
		if rec.Summary != nil {
			resp.Buckets = append(resp.Buckets, *rec.Summary)
		}
	}
	if current, ok, err := s.engine.Current(r.Context(), key); err == nil && ok {
		resp.Current = &current
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read store stats")
		s.writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type selectionRequest struct {
	Instruments []string `json:"instruments"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keys := make([]models.InstrumentKey, 0, len(req.Instruments))
	for _, sym := range req.Instruments {
		keys = append(keys, symbolKey(sym))
	}
	if err := s.engine.SetSelected(r.Context(), keys); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"selected": keys})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filename := fmt.Sprintf("spread-history-%s.json", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	n, err := store.Export(r.Context(), s.store, w, start, end)
	if err != nil {
		s.logger.WithError(err).Error("Export failed")
		return
	}
	s.logger.WithField("rows", n).Info("Exported spread history")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// symbolKey accepts "btc", "BTC" or "BTC-USD".
func symbolKey(symbol string) models.InstrumentKey {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(symbol, "-USD") {
		return models.InstrumentKey(symbol)
	}
	return instruments.KeyFor(symbol)
}

// timeRange reads the optional start and end query parameters as RFC 3339
// timestamps or Unix milliseconds.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	start, err := ParseTime(r.URL.Query().Get("start"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, err := ParseTime(r.URL.Query().Get("end"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end is before start")
	}
	return start, end, nil
}

// ParseTime reads an RFC 3339 timestamp or Unix milliseconds. An empty string
// is the zero time.
func ParseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
