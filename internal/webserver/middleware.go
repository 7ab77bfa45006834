package webserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/whatsgate/internal/app"
	"github.com/talkincode/whatsgate/internal/domain"
	"github.com/talkincode/whatsgate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiUserContextKey = "api_user"

// ZapLoggerMiddleware logs one line per request with latency and status.
func ZapLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			zap.L().Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote", c.RealIP()),
			)
			return err
		}
	}
}

// ApiKeyAuthMiddleware authenticates /api requests with the x-api-key
// header and records an audit row. Health and other public paths pass
// through.
func ApiKeyAuthMiddleware(appCtx app.AppContext) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/api") {
				return next(c)
			}

			key := c.Request().Header.Get("x-api-key")
			if key == "" {
				key = c.QueryParam("api_key")
			}
			if key == "" {
				return fail(c, http.StatusForbidden, "MISSING_API_KEY", "api key required", nil)
			}

			var user domain.SysApiUser
			err := appCtx.DB().Where("api_key = ?", key).First(&user).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return fail(c, http.StatusForbidden, "INVALID_API_KEY", "invalid api key", nil)
			case err != nil:
				zap.L().Error("api key lookup failed", zap.Error(err))
				return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
			}
			if user.Status != common.ENABLED {
				return fail(c, http.StatusForbidden, "API_KEY_DISABLED", "api key disabled", nil)
			}

			c.Set(apiUserContextKey, &user)
			err = next(c)

			// echo recycles the context after the request, so the audit
			// fields must be captured here, not in the subscriber
			appCtx.Bus().Publish(topicApiLog, user.ID, &domain.SysApiLog{
				ID:       common.UUIDint64(),
				Username: user.Username,
				Endpoint: c.Request().URL.Path,
				Number:   common.NormalizeNumber(c.QueryParam("number")),
				Action:   c.QueryParam("action"),
				Status:   http.StatusText(c.Response().Status),
				OptTime:  time.Now(),
			})
			return err
		}
	}
}

const topicApiLog = "webserver.api_log"

// initApiLogSubscriber writes audit rows and the last-used stamp off the
// request path.
func initApiLogSubscriber(appCtx app.AppContext) {
	err := appCtx.Bus().SubscribeAsync(topicApiLog, func(userID int64, entry *domain.SysApiLog) {
		defer func() {
			if err := recover(); err != nil {
				zap.S().Error(err)
			}
		}()
		db := appCtx.DB()
		db.Model(&domain.SysApiUser{}).Where("id = ?", userID).Update("last_used", time.Now())
		db.Create(entry)
	}, false)
	if err != nil {
		zap.S().Errorf("api log subscribe error %s", err.Error())
	}
}

// ApiUser returns the authenticated api user, if any.
func ApiUser(c echo.Context) *domain.SysApiUser {
	if v, ok := c.Get(apiUserContextKey).(*domain.SysApiUser); ok {
		return v
	}
	return nil
}
