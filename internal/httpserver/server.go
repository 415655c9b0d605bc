package httpserver

import (
	"context"
	"errors"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/bridge"
	authmw "github.com/chadiek/shifra/internal/middleware"
	"github.com/chadiek/shifra/internal/speech"
	"github.com/chadiek/shifra/internal/usecase"
	"github.com/chadiek/shifra/internal/web"
)

// Bridge is the device bridge as the HTTP layer sees it.
type Bridge interface {
	http.Handler
	Status() bridge.Status
	Session() (usecase.Session, error)
}

// Options configure the HTTP surface.
type Options struct {
	// Token gates /ws and /api. Empty leaves them open.
	Token string
	// Assets overrides the embedded page.
	Assets fs.FS
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

type handlers struct {
	bridge Bridge
	log    zerolog.Logger
}

// New constructs the HTTP server with routes.
func New(b Bridge, opts Options, log zerolog.Logger) *Server {
	e := newRouter()
	h := handlers{bridge: b, log: log.With().Str("component", "http").Logger()}
	assets := opts.Assets
	if assets == nil {
		assets = web.FS()
	}
	auth := authmw.TokenAuth(opts.Token)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/", echo.StaticFileHandler("index.html", assets))
	e.GET("/app.js", echo.StaticFileHandler("app.js", assets))
	e.GET("/ws", echo.WrapHandler(b), auth)

	api := e.Group("/api", auth)
	api.GET("/state", h.state)
	api.POST("/begin", h.control("begin", usecase.Session.Begin))
	api.POST("/stop", h.control("stop", usecase.Session.Stop))

	return &Server{Router: e}
}

func (h handlers) state(c echo.Context) error {
	return c.JSON(http.StatusOK, h.bridge.Status())
}

func (h handlers) control(name string, op func(usecase.Session, context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := h.bridge.Session()
		if err != nil {
			return h.fail(c, name, err)
		}
		if err := op(sess, c.Request().Context()); err != nil {
			return h.fail(c, name, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"state": sess.State()})
	}
}

func (h handlers) fail(c echo.Context, op string, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("op", op).Msg("control failed")
	} else {
		h.log.Debug().Err(err).Str("op", op).Msg("control rejected")
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNoPage), errors.Is(err, agent.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, speech.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, agent.ErrNotIdle):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
