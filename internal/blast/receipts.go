package blast

import (
	"time"

	"github.com/spf13/cast"
	"github.com/talkio/wablast/internal/connmgr"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StartReceiptFeedback subscribes to protocol receipts. Feedback is fully
// decoupled from the dispatch loop: delivery and read events arrive whenever
// the recipient's device reports them.
func (e *Engine) StartReceiptFeedback() error {
	return e.app.Bus().SubscribeAsync(connmgr.TopicReceipt, e.OnReceipt, false)
}

// OnReceipt maps receipt external ids onto BlastMessage rows and the Message
// table. Status moves forward only: a late DELIVERED never downgrades READ,
// and FAILED rows are left alone.
func (e *Engine) OnReceipt(tenantID int64, evt protocol.ReceiptEvent) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Errorf("receipt feedback panic: %v", err)
		}
	}()
	for _, externalID := range evt.ExternalIDs {
		if externalID == "" {
			continue
		}
		e.applyReceipt(tenantID, externalID, evt.Kind, evt.Timestamp)
	}
}

// feedbackEnabled reports whether receipts should move blast rows and
// counters. On unless blast.feedback_enable is explicitly turned off.
func (e *Engine) feedbackEnabled() bool {
	v := e.app.GetSettingsStringValue("blast", "feedback_enable")
	return v == "" || cast.ToBool(v)
}

func (e *Engine) applyReceipt(tenantID int64, externalID string, kind protocol.ReceiptKind, at time.Time) {
	db := e.app.DB()

	var msg domain.BlastMessage
	err := db.Where("tenant_id = ? and external_id = ?", tenantID, externalID).
		First(&msg).Error
	if err == nil && e.feedbackEnabled() {
		switch kind {
		case protocol.ReceiptDelivered:
			res := db.Model(&domain.BlastMessage{}).
				Where("id = ? and status = ?", msg.ID, domain.BlastMsgSent).
				Updates(map[string]interface{}{
					"status":       domain.BlastMsgDelivered,
					"delivered_at": &at,
					"updated_at":   time.Now(),
				})
			if res.Error == nil && res.RowsAffected > 0 {
				db.Model(&domain.Blast{}).Where("id = ?", msg.BlastID).
					Updates(map[string]interface{}{
						"delivered_count": gorm.Expr("delivered_count + 1"),
						"updated_at":      time.Now(),
					})
			}
		case protocol.ReceiptRead:
			res := db.Model(&domain.BlastMessage{}).
				Where("id = ? and status in ?", msg.ID,
					[]string{domain.BlastMsgSent, domain.BlastMsgDelivered}).
				Updates(map[string]interface{}{
					"status":     domain.BlastMsgRead,
					"read_at":    &at,
					"updated_at": time.Now(),
				})
			if res.Error == nil && res.RowsAffected > 0 {
				db.Model(&domain.Blast{}).Where("id = ?", msg.BlastID).
					Updates(map[string]interface{}{
						"read_count": gorm.Expr("read_count + 1"),
						"updated_at": time.Now(),
					})
			}
		}
	}

	// Conversation history gets the same forward-only status propagation.
	switch kind {
	case protocol.ReceiptDelivered:
		db.Model(&domain.Message{}).
			Where("tenant_id = ? and external_id = ? and status = ?",
				tenantID, externalID, domain.MessageStatusSent).
			Update("status", domain.MessageStatusDelivered)
	case protocol.ReceiptRead:
		db.Model(&domain.Message{}).
			Where("tenant_id = ? and external_id = ? and status in ?",
				tenantID, externalID,
				[]string{domain.MessageStatusSent, domain.MessageStatusDelivered}).
			Update("status", domain.MessageStatusRead)
	}
}
