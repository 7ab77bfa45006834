// Package webserver hosts the HTTP API: an echo server with API-key
// authentication, request audit logging and the shared response shapes.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/whatsgate/internal/app"
	"go.uber.org/zap"
)

type WebServer struct {
	app  app.AppContext
	root *echo.Echo
}

var server *WebServer

type CustomValidator struct {
	validate *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validate.Struct(i)
}

func Init(appCtx app.AppContext) *WebServer {
	server = &WebServer{
		app:  appCtx,
		root: echo.New(),
	}
	server.root.HideBanner = true
	server.root.HidePort = true
	server.root.Validator = &CustomValidator{validate: validator.New()}
	server.root.Use(middleware.Recover())
	server.root.Use(ZapLoggerMiddleware())
	server.root.Use(ApiKeyAuthMiddleware(appCtx))
	initApiLogSubscriber(appCtx)

	server.root.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		zap.L().Error("http error", zap.Int("code", code), zap.String("path", c.Path()), zap.Error(err))
		_ = fail(c, code, "INTERNAL_ERROR", "internal server error", nil)
	}
	return server
}

func (s *WebServer) Start() error {
	cfg := s.app.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	zap.L().Info("starting web server", zap.String("addr", addr))
	s.root.Server.ReadTimeout = 30 * time.Second
	s.root.Server.WriteTimeout = 60 * time.Second
	return s.root.Start(addr)
}

func (s *WebServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// ApiGET registers a GET route on the api group.
func ApiGET(path string, h echo.HandlerFunc) {
	server.root.GET("/api"+path, h)
}

// ApiPOST registers a POST route on the api group.
func ApiPOST(path string, h echo.HandlerFunc) {
	server.root.POST("/api"+path, h)
}

// PubGET registers an unauthenticated GET route.
func PubGET(path string, h echo.HandlerFunc) {
	server.root.GET(path, h)
}

// AppCtx exposes the application context to handlers.
func AppCtx() app.AppContext {
	return server.app
}
