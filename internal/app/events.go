package app

import (
	"fmt"
	"time"

	"github.com/talkincode/whatsgate/internal/gateway"
	"github.com/talkincode/whatsgate/pkg/mail"
	"github.com/talkincode/whatsgate/pkg/metrics"
	"go.uber.org/zap"
)

// initEventSubscribers wires gateway notifications to metrics and the
// optional operator alert mail. Subscribers run async so the gateway
// never blocks on them.
func (a *Application) initEventSubscribers() {
	must := func(err error) {
		if err != nil {
			zap.S().Errorf("event subscribe error %s", err.Error())
		}
	}

	must(a.bus.SubscribeAsync(gateway.TopicPaired, func(number string) {
		metrics.IncrCounter("whatsgate_paired_total", 1)
	}, false))

	must(a.bus.SubscribeAsync(gateway.TopicSent, func(number string) {
		metrics.IncrCounter("whatsgate_sent_total", 1)
	}, false))

	must(a.bus.SubscribeAsync(gateway.TopicLoggedOut, func(number string) {
		metrics.IncrCounter("whatsgate_logout_total", 1)
		a.notifyLogout(number)
	}, false))
}

// notifyLogout mails the operator about a remote logout when enabled.
func (a *Application) notifyLogout(number string) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	if a.configManager == nil || !a.configManager.GetBool("notify", "LogoutAlertEnabled") {
		return
	}
	sender := &mail.Sender{
		Host:     a.configManager.GetString("notify", "SmtpHost"),
		Port:     a.configManager.GetInt("notify", "SmtpPort"),
		Username: a.configManager.GetString("notify", "SmtpUser"),
		Password: a.configManager.GetString("notify", "SmtpPwd"),
		From:     a.configManager.GetString("notify", "SmtpFrom"),
	}
	to := a.configManager.GetString("notify", "MailTo")
	subject := fmt.Sprintf("WhatsGate: tenant %s logged out", number)
	body := fmt.Sprintf("Tenant %s was logged out remotely at %s and its session was removed. Pair again to restore service.",
		number, time.Now().Format(time.RFC3339))
	if err := sender.Send(to, subject, body); err != nil {
		zap.L().Warn("logout alert mail failed", zap.String("number", number), zap.Error(err))
	}
}
