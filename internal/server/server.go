package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"panicwatch/internal/config"
	"panicwatch/internal/detection"
	"panicwatch/internal/fetcher"
	"panicwatch/internal/recorder"
	"panicwatch/internal/service"
	"panicwatch/internal/storage"
)

// EventService is the query side of the event recorder.
type EventService interface {
	Query(ctx context.Context, from, to *time.Time) ([]storage.EventRecord, error)
	Confirm(ctx context.Context, id string) error
}

// CycleRunner starts one ingestion cycle.
type CycleRunner interface {
	ProcessCycle(ctx context.Context, now time.Time) (service.CycleResult, error)
}

// Dependencies wires the handlers. Sleep may be nil.
type Dependencies struct {
	Events   EventService
	Cycles   CycleRunner
	Sleep    fetcher.SleepSource
	Location *time.Location
}

// Server exposes the webhook trigger and the query API.
type Server struct {
	cfg    config.ServerConfig
	deps   Dependencies
	engine *gin.Engine
	logger zerolog.Logger
	now    func() time.Time

	cycles sync.WaitGroup
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// EventResponse is the wire form of a detection event.
type EventResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Date        string         `json:"date"`
	OccurredAt  time.Time      `json:"occurred_at"`
	DetectedAt  time.Time      `json:"detected_at"`
	Metrics     map[string]any `json:"metrics"`
	Criteria    map[string]any `json:"criteria"`
	Reason      string         `json:"reason"`
	Confirmed   bool           `json:"confirmed"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
}

// EventsResponse wraps an event listing.
type EventsResponse struct {
	Events []EventResponse `json:"events"`
}

// New builds the gin engine and registers routes.
func New(cfg config.ServerConfig, deps Dependencies, logger zerolog.Logger) *Server {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * time.Minute
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "server").Logger(),
		now:    time.Now,
	}
	s.engine = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", s.health)

	webhook := r.Group("/webhook")
	{
		webhook.GET("", s.verifyWebhook)
		webhook.POST("", s.receiveWebhook)
	}

	api := r.Group("/api")
	{
		api.GET("/events", s.listEvents)
		api.PUT("/events/:id/confirm", s.confirmEvent)
		api.GET("/sleep", s.sleep)
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully and
// waits for background cycles.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.Wait()
	return ctx.Err()
}

// Wait blocks until webhook-triggered cycles have finished.
func (s *Server) Wait() {
	s.cycles.Wait()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now().UTC()})
}

func (s *Server) verifyWebhook(c *gin.Context) {
	code := c.Query("verify")
	expected := s.cfg.VerificationCode
	if expected != "" && subtle.ConstantTimeCompare([]byte(code), []byte(expected)) == 1 {
		c.Status(http.StatusNoContent)
		return
	}
	s.logger.Warn().Msg("webhook verification failed")
	c.Status(http.StatusNotFound)
}

// receiveWebhook acknowledges immediately; the cycle outlives the request.
func (s *Server) receiveWebhook(c *gin.Context) {
	if s.deps.Cycles == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "ingestion not configured"})
		return
	}

	base := context.WithoutCancel(c.Request.Context())
	now := s.now()
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		ctx, cancel := context.WithTimeout(base, s.cfg.CycleTimeout)
		defer cancel()
		if _, err := s.deps.Cycles.ProcessCycle(ctx, now); err != nil {
			s.logger.Error().Err(err).Msg("webhook cycle failed")
		}
	}()
	c.Status(http.StatusNoContent)
}

func (s *Server) listEvents(c *gin.Context) {
	from, err := s.parseDateParam(c, "start_date")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid start_date", Details: err.Error()})
		return
	}
	to, err := s.parseDateParam(c, "end_date")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid end_date", Details: err.Error()})
		return
	}

	records, err := s.deps.Events.Query(c.Request.Context(), from, to)
	if err != nil {
		s.logger.Error().Err(err).Msg("query events failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to query events", Details: err.Error()})
		return
	}

	resp := EventsResponse{Events: make([]EventResponse, 0, len(records))}
	for _, rec := range records {
		resp.Events = append(resp.Events, toResponse(rec))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) confirmEvent(c *gin.Context) {
	id := c.Param("id")
	err := s.deps.Events.Confirm(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "event confirmed", "id": id})
	case errors.Is(err, recorder.ErrMalformedID):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event id", Details: err.Error()})
	case errors.Is(err, recorder.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found", Details: id})
	case errors.Is(err, recorder.ErrAlreadyConfirmed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event already confirmed", Details: id})
	default:
		s.logger.Error().Err(err).Str("event_id", id).Msg("confirm event failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to confirm event", Details: err.Error()})
	}
}

func (s *Server) sleep(c *gin.Context) {
	if s.deps.Sleep == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "sleep source not configured"})
		return
	}

	day := detection.Day(s.now().In(s.deps.Location))
	if raw := c.Query("date"); raw != "" && raw != "today" {
		parsed, err := time.ParseInLocation(detection.DateLayout, raw, s.deps.Location)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid date", Details: err.Error()})
			return
		}
		day = parsed
	}

	payload, err := s.deps.Sleep.Sleep(c.Request.Context(), day)
	if err != nil {
		s.logger.Error().Err(err).Str("date", day.Format(detection.DateLayout)).Msg("sleep fetch failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "sleep data unavailable", Details: err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Server) parseDateParam(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.ParseInLocation(detection.DateLayout, raw, s.deps.Location)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}

func toResponse(rec storage.EventRecord) EventResponse {
	metrics := rec.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	criteria := rec.Criteria
	if criteria == nil {
		criteria = map[string]any{}
	}
	return EventResponse{
		ID:          rec.ID.String(),
		Type:        string(rec.Type),
		Date:        rec.Date.Format(detection.DateLayout),
		OccurredAt:  rec.OccurredAt,
		DetectedAt:  rec.DetectedAt,
		Metrics:     metrics,
		Criteria:    criteria,
		Reason:      rec.Reason,
		Confirmed:   rec.Confirmed,
		ConfirmedAt: rec.ConfirmedAt,
	}
}
