package docent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const sseHeartbeat = 30 * time.Second

// Server exposes the coordinator over HTTP: status, stage control, preset
// management, movement commands and an SSE event feed.
type Server struct {
	echo        *echo.Echo
	coordinator *Coordinator
	logger      *logrus.Logger
	addr        string
	done        chan struct{}
}

// NewServer builds the API server. Routes live under /api/v1.
func NewServer(cfg HTTPSettings, coordinator *Coordinator, logger *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		coordinator: coordinator,
		logger:      logger,
		addr:        cfg.Addr,
		done:        make(chan struct{}),
	}
	e.Use(s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api/v1")

	api.GET("/status", s.handleStatus)
	api.GET("/stages", s.handleStages)
	api.POST("/stages/back", s.handleGoBack)
	api.POST("/stages/:name", s.handleChangeStage)
	api.POST("/activity", s.handleActivity)

	api.GET("/presets", s.handlePresets)
	api.POST("/presets/:name/move", s.handlePresetMove)
	api.PUT("/presets/:name", s.handlePresetSave)
	api.DELETE("/presets/:name", s.handlePresetDelete)

	api.POST("/move", s.handleMove)
	api.POST("/track", s.handleTrack)
	api.POST("/nod", s.handleNod)
	api.POST("/stop", s.handleStop)

	api.GET("/events", s.handleEvents)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP API listening on %s", s.addr)
		errCh <- s.echo.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
		close(s.done)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request().Method,
			"path":    c.Request().URL.Path,
			"status":  c.Response().Status,
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("HTTP request")
		return err
	}
}

// httpError maps domain sentinels onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidStage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownPreset):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBusy), errors.Is(err, ErrMovementAborted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnsafePosition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotConnected):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleStages(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"stages":  s.coordinator.Stages(),
		"current": s.coordinator.CurrentStage(),
	})
}

func (s *Server) handleChangeStage(c echo.Context) error {
	name := c.Param("name")

	// Decode the body by hand: Bind would merge the :name path param into
	// the map and pollute the stage data bag.
	var data map[string]any
	if c.Request().ContentLength > 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&data); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid stage data")
		}
	}

	if err := s.coordinator.ChangeStage(c.Request().Context(), name, data); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleGoBack(c echo.Context) error {
	if err := s.coordinator.GoBack(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleActivity(c echo.Context) error {
	s.coordinator.Touch()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePresets(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"presets": s.coordinator.PresetPositions(),
	})
}

func (s *Server) handlePresetMove(c echo.Context) error {
	name := c.Param("name")

	var req struct {
		Steps   int `json:"steps"`
		DelayMs int `json:"delay_ms"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid move parameters")
	}

	delay := time.Duration(req.DelayMs) * time.Millisecond
	if err := s.coordinator.MoveToPreset(c.Request().Context(), name, req.Steps, delay); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

// handlePresetSave stores a preset: a body with a position saves that, an
// empty body captures the arm's present position.
func (s *Server) handlePresetSave(c echo.Context) error {
	name := c.Param("name")

	var req struct {
		Position Position `json:"position"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid preset body")
	}

	var err error
	if len(req.Position) > 0 {
		err = s.coordinator.SetPreset(name, req.Position)
	} else {
		err = s.coordinator.SavePreset(c.Request().Context(), name)
	}
	if err != nil {
		return httpError(err)
	}

	pos, _ := s.coordinator.GetPreset(name)
	return c.JSON(http.StatusOK, map[string]any{"name": name, "position": pos})
}

func (s *Server) handlePresetDelete(c echo.Context) error {
	name := c.Param("name")
	removed, err := s.coordinator.DeletePreset(name)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"name": name, "removed": removed})
}

func (s *Server) handleMove(c echo.Context) error {
	var req struct {
		Position Position `json:"position"`
		Steps    int      `json:"steps"`
		DelayMs  int      `json:"delay_ms"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid move body")
	}
	if len(req.Position) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "position is required")
	}

	delay := time.Duration(req.DelayMs) * time.Millisecond
	if err := s.coordinator.MoveToPosition(c.Request().Context(), req.Position, req.Steps, delay); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleTrack(c echo.Context) error {
	var req struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid track body")
	}
	if req.X == nil || req.Y == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "x and y are required")
	}

	if err := s.coordinator.TrackOffset(c.Request().Context(), *req.X, *req.Y); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleNod(c echo.Context) error {
	var req struct {
		Times int `json:"times"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid nod body")
	}

	if err := s.coordinator.Nod(c.Request().Context(), req.Times); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.coordinator.EmergencyStop(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.coordinator.Status())
}

// handleEvents streams the event feed as SSE. A heartbeat comment keeps
// proxies from closing the stream.
func (s *Server) handleEvents(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	ch, cancel := s.coordinator.Events().Subscribe()
	defer cancel()

	if _, err := fmt.Fprint(res, ": connected\n\n"); err != nil {
		return nil
	}
	res.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warnf("Failed to marshal event %s: %v", ev.Name, err)
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return nil
			}
			res.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
