package webhook

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zoff-tech/erp-bridge/pkg/event"
	"github.com/zoff-tech/erp-bridge/pkg/hub"
	"github.com/zoff-tech/erp-bridge/pkg/ingest"
	"github.com/zoff-tech/erp-bridge/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server exposes the webhook ingress plus the health and status
// surfaces. Status is a read-only projection over store state and hub
// liveness; it never mutates anything.
type Server struct {
	e        *echo.Echo
	ingestor *ingest.Ingestor
	repo     store.EventRepository
	hub      hub.Listener
}

func NewServer(ingestor *ingest.Ingestor, repo store.EventRepository, hubListener hub.Listener) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))

	s := &Server{e: e, ingestor: ingestor, repo: repo, hub: hubListener}

	e.POST("/webhook/events", s.receiveEvent)
	e.GET("/webhook/health", s.health)
	e.GET("/status", s.status)

	return s
}

func (s *Server) receiveEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	stored, err := s.ingestor.Ingest(c.Request().Context(), body, event.ChannelWebhook)
	if err != nil {
		if errors.Is(err, event.ErrMalformedEnvelope) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("Failed to ingest webhook event: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	// Duplicates are accepted too: the caller did nothing wrong.
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true, "stored": stored})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// StatusReport is the read-only operational projection.
type StatusReport struct {
	Events               map[event.Status]int64      `json:"events"`
	HubConnected         bool                        `json:"hub_connected"`
	OldestUnresolvedAge  *float64                    `json:"oldest_unresolved_age_seconds,omitempty"`
	LastTerminalFailures map[event.EntityType]string `json:"last_terminal_failures,omitempty"`
}

func (s *Server) status(c echo.Context) error {
	ctx := c.Request().Context()

	counts, err := s.repo.StatusCounts(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
	}

	report := StatusReport{
		Events:       counts,
		HubConnected: s.hub != nil && s.hub.Connected(),
	}

	if oldest, err := s.repo.OldestUnresolved(ctx); err == nil && oldest != nil {
		age := time.Since(*oldest).Seconds()
		report.OldestUnresolvedAge = &age
	}

	if failures, err := s.repo.LastTerminalFailures(ctx); err == nil && len(failures) > 0 {
		report.LastTerminalFailures = failures
	}

	return c.JSON(http.StatusOK, report)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
