package app

import (
	"errors"
	"strings"
	"time"

	"github.com/labstack/gommon/random"
	"github.com/talkincode/whatsgate/internal/domain"
	"github.com/talkincode/whatsgate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiKeyPrefix = "wg_"

// NewApiKey generates an API key in the wg_ prefix form.
func NewApiKey() string {
	return apiKeyPrefix + random.String(32, random.Alphanumeric)
}

func (a *Application) checkApiUser() {
	const defaultUsername = "admin"

	var user domain.SysApiUser
	err := a.gormDB.Where("username = ?", defaultUsername).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		key := NewApiKey()
		if err := a.gormDB.Create(&domain.SysApiUser{
			ID:       common.UUIDint64(),
			Username: defaultUsername,
			ApiKey:   key,
			Email:    "N/A",
			Status:   common.ENABLED,
			Remark:   "default api user",
			LastUsed: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default api user", zap.Error(err))
		} else {
			zap.L().Info("initialized default api user",
				zap.String("username", defaultUsername),
				zap.String("api_key", key))
		}
		return
	case err != nil:
		zap.L().Error("failed to query default api user", zap.Error(err))
		return
	}

	if user.Status != common.ENABLED {
		if err := a.gormDB.Model(&domain.SysApiUser{}).Where("id = ?", user.ID).
			Update("status", common.ENABLED).Error; err != nil {
			zap.L().Error("failed to re-enable default api user", zap.Error(err))
			return
		}
		zap.L().Warn("re-enabled default api user", zap.String("username", defaultUsername))
	}
}

type settingSchema struct {
	Key         string
	Default     string
	Description string
}

var settingSchemas = []settingSchema{
	{Key: "system.ApiLogDays", Default: "90", Description: "Days to keep api request logs"},
	{Key: "notify.LogoutAlertEnabled", Default: "false", Description: "Send an operator email when a tenant is remotely logged out"},
	{Key: "notify.MailTo", Default: "", Description: "Operator alert recipient"},
	{Key: "notify.SmtpHost", Default: "", Description: "SMTP server host"},
	{Key: "notify.SmtpPort", Default: "587", Description: "SMTP server port"},
	{Key: "notify.SmtpUser", Default: "", Description: "SMTP username"},
	{Key: "notify.SmtpPwd", Default: "", Description: "SMTP password"},
	{Key: "notify.SmtpFrom", Default: "", Description: "SMTP sender address"},
}

func (a *Application) checkSettings() {
	// Iterate over all configuration definitions, checking and initializing missing entries
	for sortid, schema := range settingSchemas {
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}
		category, name := parts[0], parts[1]

		// Check whether the configuration already exists
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)

		// e.g., if the configuration does not exist, create the default configuration
		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     common.UUIDint64(),
				Sort:   sortid,
				Type:   category,
				Name:   name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Key),
				zap.String("default", schema.Default))
		}
	}
}
