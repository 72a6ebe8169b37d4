// Package server exposes the orchestration session over HTTP.
//
// The server is a thin JSON facade: every route delegates to the session
// or one of its engines and returns a copy-on-write state snapshot. It
// includes a health check, Prometheus metrics, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/beamd/internal/config"
	"github.com/fyrsmithlabs/beamd/internal/prefs"
	"github.com/fyrsmithlabs/beamd/internal/session"
)

// Server is the HTTP facade over one orchestration session.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	echo    *echo.Echo
	session *session.Session
	prefs   *prefs.Store

	mu       sync.Mutex
	accepted *AcceptedOutput
}

// AcceptedOutput is the result handed back when the user accepts a ray,
// fusion, or council output.
type AcceptedOutput struct {
	Text    string    `json:"text"`
	ModelID string    `json:"model_id"`
	At      time.Time `json:"at"`
}

// New creates the HTTP server. store may be nil when preference
// persistence is disabled.
func New(cfg *config.Config, sess *session.Session, store *prefs.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		echo:    e,
		session: sess,
		prefs:   store,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")

	v1.GET("/session", s.handleState)
	v1.POST("/session/open", s.handleOpen)
	v1.POST("/session/terminate", s.handleTerminate)
	v1.POST("/session/gather-model", s.handleSetGatherModel)
	v1.GET("/session/accepted", s.handleAccepted)

	v1.POST("/rays/count", s.handleSetRayCount)
	v1.POST("/rays/stop", s.handleStopAllRays)
	v1.POST("/rays/import", s.handleImportMessage)
	v1.POST("/rays/:id/start", s.handleStartRay)
	v1.POST("/rays/:id/stop", s.handleStopRay)
	v1.POST("/rays/:id/toggle", s.handleToggleRay)
	v1.POST("/rays/:id/select", s.handleToggleSelected)
	v1.POST("/rays/:id/model", s.handleSetRayModel)
	v1.POST("/rays/:id/accept", s.handleAcceptRay)

	v1.GET("/factories", s.handleFactories)
	v1.POST("/fusions/recreate-custom", s.handleRecreateAsCustom)
	v1.POST("/fusions/:id/select", s.handleSelectFusion)
	v1.POST("/fusions/:id/start", s.handleStartFusion)
	v1.POST("/fusions/:id/stop", s.handleStopFusion)
	v1.POST("/fusions/:id/confirm", s.handleConfirmChecklist)
	v1.GET("/fusions/:id/checklist", s.handleChecklist)
	v1.POST("/fusions/:id/instructions", s.handleUpdateInstructions)
	v1.POST("/fusions/:id/accept", s.handleAcceptFusion)

	v1.POST("/council/start", s.handleStartCouncil)
	v1.POST("/council/stop", s.handleStopCouncil)
	v1.POST("/council/accept", s.handleAcceptCouncil)

	v1.GET("/presets", s.handleListPresets)
	v1.POST("/presets", s.handleSavePreset)
	v1.POST("/presets/:name/apply", s.handleApplyPreset)
	v1.DELETE("/presets/:name", s.handleDeletePreset)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully within the configured timeout. Returns http.ErrServerClosed
// on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.logger.Info("listening", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// recordAccepted is the session success callback.
func (s *Server) recordAccepted(text, modelID string) {
	s.mu.Lock()
	s.accepted = &AcceptedOutput{Text: text, ModelID: modelID, At: time.Now().UTC()}
	s.mu.Unlock()
	s.logger.Info("output accepted", zap.String("model_id", modelID))
}
