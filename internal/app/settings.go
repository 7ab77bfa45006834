package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/whatsgate/internal/domain"
	"github.com/talkincode/whatsgate/pkg/common"
	"go.uber.org/zap"
)

// ConfigManager caches sys_config settings with a short TTL so hot paths
// don't query the database per request.
type ConfigManager struct {
	app   *Application
	cache sync.Map
	ttl   time.Duration
}

type cachedValue struct {
	value    string
	loadedAt time.Time
}

func NewConfigManager(app *Application) *ConfigManager {
	return &ConfigManager{app: app, ttl: 30 * time.Second}
}

func (m *ConfigManager) load(category, name string) string {
	key := category + "." + name
	if v, ok := m.cache.Load(key); ok {
		cv := v.(cachedValue)
		if time.Since(cv.loadedAt) < m.ttl {
			return cv.value
		}
	}
	var cfg domain.SysConfig
	err := m.app.gormDB.Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		return ""
	}
	m.cache.Store(key, cachedValue{value: cfg.Value, loadedAt: time.Now()})
	return cfg.Value
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.load(category, name)
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.load(category, name))
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.load(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.load(category, name))
}

// SetValue upserts a setting and drops the cached copy.
func (m *ConfigManager) SetValue(category, name, value string) {
	var count int64
	m.app.gormDB.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, name).Count(&count)
	if count == 0 {
		m.app.gormDB.Create(&domain.SysConfig{ID: common.UUIDint64(), Type: category, Name: name, Value: value})
	} else {
		err := m.app.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Update("value", value).Error
		if err != nil {
			zap.L().Error("failed to update setting", zap.String("key", category+"."+name), zap.Error(err))
		}
	}
	m.cache.Delete(category + "." + name)
}
