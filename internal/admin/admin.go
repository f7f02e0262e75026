// Package admin exposes the operator surface of the broker over HTTP.
package admin

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/discovery"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/server"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/subscription"
)

// Broker is the part of the server the API drives.
type Broker interface {
	Publish(topic, path string) (server.PublishResult, error)
	Topics() []subscription.TopicInfo
	Sessions() []session.Info
	History() []session.Info
	Stats() server.Stats
}

type Forwarder interface {
	Forward(ctx context.Context, topic string, q discovery.Query) (discovery.ForwardResult, error)
}

type PublishRequest struct {
	Topic string `json:"topic" validate:"required,max=1024"`
	Path  string `json:"path" validate:"required"`
}

type ForwardRequest struct {
	Topic string          `json:"topic" validate:"required,max=1024"`
	Query discovery.Query `json:"query"`
}

type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Stats  server.Stats `json:"stats"`
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

type API struct {
	*echo.Echo
	broker    Broker
	forwarder Forwarder
	startedAt time.Time
}

type Option func(*API)

// WithForwarder enables POST /api/forward.
func WithForwarder(f Forwarder) Option {
	return func(a *API) {
		a.forwarder = f
	}
}

func New(broker Broker, opts ...Option) *API {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	a := &API{Echo: e, broker: broker, startedAt: time.Now()}
	for _, opt := range opts {
		opt(a)
	}
	a.setupMiddleware()
	a.registerRoutes()
	return a
}

func (a *API) setupMiddleware() {
	a.Use(middleware.BodyLimit("64K"))
	a.Use(middleware.Recover())
	a.Use(middleware.RequestID())
	a.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			logger.Debug("admin request", fields...)
			return nil
		},
	}))
}

func (a *API) registerRoutes() {
	api := a.Group("/api")
	api.GET("/health", a.handleHealth)
	api.GET("/topics", a.handleTopics)
	api.GET("/sessions", a.handleSessions)
	api.GET("/history", a.handleHistory)
	api.POST("/publish", a.handlePublish)
	if a.forwarder != nil {
		api.POST("/forward", a.handleForward)
	}
}

func (a *API) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(a.startedAt).Truncate(time.Second).String(),
		Stats:  a.broker.Stats(),
	})
}

func (a *API) handleTopics(c echo.Context) error {
	return c.JSON(http.StatusOK, a.broker.Topics())
}

func (a *API) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, a.broker.Sessions())
}

func (a *API) handleHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, a.broker.History())
}

func (a *API) handlePublish(c echo.Context) error {
	var req PublishRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	result, err := a.broker.Publish(req.Topic, req.Path)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (a *API) handleForward(c echo.Context) error {
	var req ForwardRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	result, err := a.forwarder.Forward(c.Request().Context(), req.Topic, req.Query)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}

func toHTTPError(err error) *echo.HTTPError {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrInvalidTopic),
		errors.Is(err, protocol.ErrTopicTooLong),
		errors.Is(err, discovery.ErrInvalidQuery):
		code = http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, protocol.ErrSourceUnavailable):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (a *API) ListenAndServe(ctx context.Context, addr string) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.InfoF("Admin API listen on %s", addr)
	if err := a.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Invoke lets the API be registered as a shutdown hook.
func (a *API) Invoke(ctx context.Context) error {
	return a.Shutdown(ctx)
}
