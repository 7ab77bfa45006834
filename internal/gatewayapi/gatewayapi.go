// Package gatewayapi exposes the tenant-facing HTTP operations:
// pairing, sending, session status and session management.
package gatewayapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsgate/internal/app"
	"github.com/talkincode/whatsgate/internal/gateway"
	"github.com/talkincode/whatsgate/internal/session"
	"github.com/talkincode/whatsgate/internal/webserver"
	"github.com/talkincode/whatsgate/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	appCtx app.AppContext
	svc    *gateway.Service
)

// InitRouter wires the gateway service into the web server routes.
func InitRouter(a app.AppContext, service *gateway.Service) {
	appCtx = a
	svc = service

	webserver.PubGET("/health", getHealth)
	webserver.ApiGET("/getcode", getCode)
	webserver.ApiGET("/send", sendMessage)
	webserver.ApiGET("/stats", getStats)
}

func getHealth(c echo.Context) error {
	return webserver.Ok(c, map[string]interface{}{
		"status": "up",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// getCode handles pairing and session management:
// GET /api/getcode?number=628xx&action=connect|list|info|delete
func getCode(c echo.Context) error {
	action := c.QueryParam("action")
	if action == "" {
		action = "connect"
	}

	if action == "list" {
		return listSessions(c)
	}

	number := common.NormalizeNumber(c.QueryParam("number"))
	if number == "" {
		return webserver.Fail(c, http.StatusBadRequest, "MISSING_NUMBER", "number parameter is required", nil)
	}

	switch action {
	case "connect":
		out, err := svc.Pair(c.Request().Context(), number)
		if err != nil {
			return busyOrInternal(c, err)
		}
		return pairResponse(c, number, out)
	case "info":
		return webserver.Ok(c, appCtx.SessionStore().Info(c.Request().Context(), number))
	case "delete":
		svc.DeleteSession(c.Request().Context(), number)
		return webserver.OkMessage(c, "session deleted")
	default:
		return webserver.Fail(c, http.StatusBadRequest, "INVALID_ACTION", "unknown action "+action, nil)
	}
}

// sendMessage handles one-shot sends and pairing status:
// GET /api/send?number=628xx&to=628yy&message=hi&image_url=...&action=send|status
func sendMessage(c echo.Context) error {
	number := common.NormalizeNumber(c.QueryParam("number"))
	if number == "" {
		return webserver.Fail(c, http.StatusBadRequest, "MISSING_NUMBER", "number parameter is required", nil)
	}

	action := c.QueryParam("action")
	if action == "" {
		action = "send"
	}

	switch action {
	case "status":
		paired := svc.HasSession(c.Request().Context(), number)
		return webserver.Ok(c, map[string]interface{}{"number": number, "paired": paired})
	case "send":
		to := common.NormalizeNumber(c.QueryParam("to"))
		text := c.QueryParam("message")
		if to == "" || text == "" {
			return webserver.Fail(c, http.StatusBadRequest, "MISSING_FIELDS", "to and message are required", nil)
		}
		out, err := svc.Send(c.Request().Context(), number, to, text, c.QueryParam("image_url"))
		if err != nil {
			return busyOrInternal(c, err)
		}
		return sendResponse(c, number, out)
	default:
		return webserver.Fail(c, http.StatusBadRequest, "INVALID_ACTION", "unknown action "+action, nil)
	}
}

func listSessions(c echo.Context) error {
	store := appCtx.SessionStore()
	numbers := store.ListActive(c.Request().Context())

	infos := make([]session.Info, len(numbers))
	g, ctx := errgroup.WithContext(c.Request().Context())
	g.SetLimit(8)
	for i, number := range numbers {
		i, number := i, number
		g.Go(func() error {
			infos[i] = store.Info(ctx, number)
			return nil
		})
	}
	_ = g.Wait()

	return webserver.Ok(c, map[string]interface{}{
		"count":    len(infos),
		"sessions": infos,
	})
}

func pairResponse(c echo.Context, number string, out gateway.Outcome) error {
	switch out.Kind {
	case gateway.OutcomePaired:
		return webserver.Ok(c, map[string]interface{}{"number": number, "code": out.PairingCode})
	case gateway.OutcomeAlreadyPaired:
		return webserver.OkMessage(c, "already paired")
	default:
		return outcomeError(c, out)
	}
}

func sendResponse(c echo.Context, number string, out gateway.Outcome) error {
	if out.Kind == gateway.OutcomeSent {
		if out.Note != "" {
			return webserver.OkMessage(c, out.Note)
		}
		return webserver.OkMessage(c, "message sent")
	}
	return outcomeError(c, out)
}

func outcomeError(c echo.Context, out gateway.Outcome) error {
	switch {
	case out.Kind == gateway.OutcomeTimeout:
		return webserver.Fail(c, http.StatusRequestTimeout, "REQUEST_TIMEOUT", "Request Timeout", nil)
	case out.Kind == gateway.OutcomeLoggedOut:
		return webserver.Fail(c, http.StatusInternalServerError, "LOGGED_OUT", gateway.ErrTerminalLogout.Error(), nil)
	case errors.Is(out.Err, gateway.ErrSessionNotFound):
		return webserver.Fail(c, http.StatusBadRequest, "SESSION_NOT_FOUND", gateway.ErrSessionNotFound.Error(), nil)
	default:
		detail := ""
		if out.Err != nil {
			detail = out.Err.Error()
		}
		return webserver.Fail(c, http.StatusInternalServerError, "REQUEST_FAILED", "request failed", detail)
	}
}

func busyOrInternal(c echo.Context, err error) error {
	if errors.Is(err, gateway.ErrBusy) {
		return webserver.Fail(c, http.StatusTooManyRequests, "GATEWAY_BUSY", gateway.ErrBusy.Error(), nil)
	}
	zap.L().Error("gateway submit failed", zap.Error(err))
	return webserver.Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
}

// getStats returns recent datapoints of a runtime metric.
func getStats(c echo.Context) error {
	metric := c.QueryParam("metric")
	if metric == "" {
		metric = "whatsgate_active_sessions"
	}
	hours := 24
	if h := c.QueryParam("hours"); h != "" {
		if v, err := time.ParseDuration(h + "h"); err == nil && v > 0 {
			hours = int(v.Hours())
		}
	}
	points, err := queryMetric(metric, hours)
	if err != nil {
		return webserver.Fail(c, http.StatusInternalServerError, "METRICS_ERROR", "metrics query failed", err.Error())
	}
	return webserver.Ok(c, map[string]interface{}{"metric": metric, "points": points})
}
