package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/artifact"
	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
)

const defaultLimit = 20

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StatusStore is what the status endpoints read.
type StatusStore interface {
	storage.Pinger
	storage.ModelRunStore
	storage.PredictionStore
	storage.TaskLogStore
}

// BuildServer wires the read-only status API.
func BuildServer(store StatusStore, registry *artifact.Registry, logger Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		logger.Errorf("%s %s: %v", c.Request().Method, c.Request().URL, err)
	}
	e.Use(middleware.Recover())

	// logging for server-side latency.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			logger.Infof("%s %s -> %d in %v", c.Request().Method, c.Request().URL, c.Response().Status, time.Since(begin))
			return err
		}
	})

	e.GET("/health", HealthHandler(store))
	e.GET("/runs", RunsHandler(store))
	e.GET("/predictions", PredictionsHandler(store))
	e.GET("/executions/:id/tasks", TaskLogHandler(store))
	e.GET("/artifacts/current", CurrentArtifactHandler(registry))
	return e
}

// StartServer serves until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, addr string, e *echo.Echo, logger Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting status server on %s", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func HealthHandler(store storage.Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func RunsHandler(store storage.ModelRunStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := limitParam(c)
		if err != nil {
			return err
		}
		runs, err := store.ListModelRuns(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to list model runs").SetInternal(err)
		}
		return c.JSON(http.StatusOK, runs)
	}
}

func PredictionsHandler(store storage.PredictionStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := limitParam(c)
		if err != nil {
			return err
		}
		records, err := store.ListPredictions(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to list predictions").SetInternal(err)
		}
		return c.JSON(http.StatusOK, records)
	}
}

func TaskLogHandler(store storage.TaskLogStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		logs, err := store.ListTaskLogs(c.Request().Context(), c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to list task log").SetInternal(err)
		}
		if len(logs) == 0 {
			return echo.NewHTTPError(http.StatusNotFound, "unknown execution")
		}
		return c.JSON(http.StatusOK, logs)
	}
}

func CurrentArtifactHandler(registry *artifact.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		a, err := registry.Current()
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no model artifact has been promoted")
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve current artifact").SetInternal(err)
		}
		return c.JSON(http.StatusOK, a)
	}
}

func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return n, nil
}
