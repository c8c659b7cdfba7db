package app

import (
	"errors"
	"strings"
	"time"

	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (a *Application) checkSuper() {
	const superUsername = "admin"
	const defaultPassword = "wablast"

	hashedPassword := common.Sha256HashWithSalt(defaultPassword, common.GetSecretSalt())

	var operator domain.SysOpr
	err := a.gormDB.Where("username = ?", superUsername).First(&operator).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := a.gormDB.Create(&domain.SysOpr{
			ID:        common.UUIDint64(),
			Realname:  "administrator",
			Mobile:    "0000",
			Email:     "N/A",
			Username:  superUsername,
			Password:  hashedPassword,
			Level:     "super",
			Status:    common.ENABLED,
			Remark:    "super",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(operator.Password) == ""
	resetLevel := !strings.EqualFold(operator.Level, "super")
	resetStatus := !strings.EqualFold(operator.Status, common.ENABLED)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		updates["password"] = hashedPassword
	}
	if resetLevel {
		updates["level"] = "super"
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}

	if err := a.gormDB.Model(&domain.SysOpr{}).Where("id = ?", operator.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}

type configDefault struct {
	Key         string
	Default     string
	Description string
}

var configDefaults = []configDefault{
	{"message.history_days", "90", "Days to keep chat messages before the daily purge"},
	{"message.media_download", "true", "Download and store inbound media attachments"},
	{"blast.max_retry", "0", "Retries per blast recipient before marking failed"},
	{"blast.feedback_enable", "true", "Apply delivery/read receipts to blast counters"},
	{"automation.script_timeout_ms", "3000", "Wall clock budget for one automation script run"},
	{"session.mirror_interval_min", "30", "Minutes between credential mirror snapshots"},
}

func (a *Application) checkSettings() {
	// Seed missing configuration rows; existing values are never overwritten.
	for sortid, schema := range configDefaults {
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}

		category := parts[0]
		name := parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				ID:     0,
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

// checkDefaultTenant creates the first tenant so a fresh install can pair a
// device without touching the admin API first.
func (a *Application) checkDefaultTenant() {
	var count int64
	a.gormDB.Model(&domain.Tenant{}).Count(&count)
	if count > 0 {
		return
	}
	tenant := domain.Tenant{
		ID:     common.UUIDint64(),
		Name:   "default",
		Status: common.ENABLED,
		Remark: "initial tenant",
	}
	if err := a.gormDB.Create(&tenant).Error; err != nil {
		zap.L().Error("failed to create default tenant", zap.Error(err))
		return
	}
	zap.L().Info("initialized default tenant", zap.Int64("tenant_id", tenant.ID))
}
