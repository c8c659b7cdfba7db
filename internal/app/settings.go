package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkio/wablast/internal/domain"
	"go.uber.org/zap"
)

// ConfigManager reads typed values from the sys_config table with a short
// in-process cache so hot paths do not hit the database on every call.
type ConfigManager struct {
	app      *Application
	mu       sync.RWMutex
	cache    map[string]string
	cachedAt time.Time
}

const configCacheTTL = 30 * time.Second

func NewConfigManager(app *Application) *ConfigManager {
	return &ConfigManager{app: app, cache: make(map[string]string)}
}

func (c *ConfigManager) load() map[string]string {
	c.mu.RLock()
	if time.Since(c.cachedAt) < configCacheTTL {
		defer c.mu.RUnlock()
		return c.cache
	}
	c.mu.RUnlock()

	var items []domain.SysConfig
	if err := c.app.gormDB.Find(&items).Error; err != nil {
		zap.L().Error("load sys_config failed", zap.Error(err))
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.cache
	}

	fresh := make(map[string]string, len(items))
	for _, item := range items {
		fresh[item.Type+"."+item.Name] = item.Value
	}

	c.mu.Lock()
	c.cache = fresh
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return fresh
}

func (c *ConfigManager) GetString(category, name string) string {
	return c.load()[category+"."+name]
}

func (c *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(c.GetString(category, name))
}

func (c *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(c.GetString(category, name))
}

func (c *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(c.GetString(category, name))
}

// SetValue upserts one configuration value and invalidates the cache.
func (c *ConfigManager) SetValue(category, name, value string) error {
	var count int64
	c.app.gormDB.Model(&domain.SysConfig{}).
		Where("type = ? and name = ?", category, name).
		Count(&count)

	var err error
	if count == 0 {
		err = c.app.gormDB.Create(&domain.SysConfig{
			Type:  category,
			Name:  name,
			Value: value,
		}).Error
	} else {
		err = c.app.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Update("value", value).Error
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
	return nil
}
