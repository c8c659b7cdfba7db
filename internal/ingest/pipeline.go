// Package ingest normalizes inbound protocol events into contact/chat/message
// records: classification, pseudo-chat filtering, idempotent persistence and
// the media download fallback chain.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/connmgr"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"github.com/talkio/wablast/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClientProvider yields the live protocol client used for media decrypting.
type ClientProvider interface {
	Client(tenantID int64) protocol.Client
}

// AutomationHandler receives non-self inbound text after persistence.
type AutomationHandler interface {
	Handle(tenantID int64, chat *domain.Chat, text string) bool
}

type Pipeline struct {
	app        app.AppContext
	clients    ClientProvider
	fetcher    *MediaFetcher
	automation AutomationHandler
}

func NewPipeline(actx app.AppContext, clients ClientProvider) *Pipeline {
	return &Pipeline{
		app:     actx,
		clients: clients,
		fetcher: NewMediaFetcher(),
	}
}

// SetAutomation wires the automation engine. Optional; without it inbound text
// is only persisted.
func (p *Pipeline) SetAutomation(h AutomationHandler) {
	p.automation = h
}

// Start subscribes to the inbound topic. Subscription is synchronous so
// per-chat arrival order is preserved.
func (p *Pipeline) Start() error {
	return p.app.Bus().Subscribe(connmgr.TopicInbound, p.OnInbound)
}

func (p *Pipeline) OnInbound(tenantID int64, msg protocol.InboundMessage) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Errorf("ingest panic: %v", err)
		}
	}()
	if err := p.ingest(tenantID, msg); err != nil {
		zap.L().Error("ingest failed",
			zap.Int64("tenant_id", tenantID),
			zap.String("external_id", msg.ExternalID),
			zap.Error(err))
	}
}

// isPseudoChat drops broadcast lists, status updates and channels. Those are
// not conversations and must never create chat rows.
func isPseudoChat(msg protocol.InboundMessage) bool {
	switch msg.ChatServer {
	case "broadcast", "newsletter":
		return true
	}
	return strings.HasPrefix(msg.ChatJID, "status@")
}

func (p *Pipeline) ingest(tenantID int64, msg protocol.InboundMessage) error {
	if isPseudoChat(msg) {
		return nil
	}
	if msg.ExternalID == "" || msg.ChatJID == "" {
		return errors.New("event missing identifiers")
	}

	db := p.app.DB()
	phone := jidUser(msg.ChatJID)

	// Contacts are resolved, never created from traffic.
	var contactID int64
	var contact domain.Contact
	err := db.Where("tenant_id = ? and phone = ?", tenantID, phone).First(&contact).Error
	if err == nil {
		contactID = contact.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("resolve contact: %w", err)
	}

	chat, err := p.findOrCreateChat(tenantID, msg, contactID)
	if err != nil {
		return err
	}

	record := domain.Message{
		ID:         common.UUIDint64(),
		TenantID:   tenantID,
		ChatID:     chat.ID,
		ExternalID: msg.ExternalID,
		FromMe:     msg.FromMe,
		Type:       msg.Type,
		Content:    msg.Text,
		Status:     domain.MessageStatusReceived,
		Timestamp:  msg.Timestamp,
	}
	if msg.FromMe {
		record.Status = domain.MessageStatusSent
	}
	if msg.Media != nil {
		record.MediaURL = msg.Media.URL
		record.MimeType = msg.Media.MimeType
		if p.app.GetSettingsBoolValue("message", "media_download") {
			if path, ok := p.fetchMedia(tenantID, chat.ID, msg); ok {
				record.MediaPath = path
			}
		}
	}

	// The (chat_id, external_id) unique index makes redelivery a no-op.
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return fmt.Errorf("persist message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil // duplicate
	}

	now := msg.Timestamp
	updates := map[string]interface{}{
		"last_message_at": &now,
		"updated_at":      time.Now(),
	}
	if !msg.FromMe {
		updates["unread_count"] = gorm.Expr("unread_count + 1")
		updates["inbound_count"] = gorm.Expr("inbound_count + 1")
		chat.InboundCount++
	}
	if err := db.Model(&domain.Chat{}).Where("id = ?", chat.ID).Updates(updates).Error; err != nil {
		zap.L().Warn("chat counters update failed", zap.Int64("chat_id", chat.ID), zap.Error(err))
	}

	if !msg.FromMe && msg.Type == domain.MessageTypeText && msg.Text != "" && p.automation != nil {
		p.automation.Handle(tenantID, chat, msg.Text)
	}
	return nil
}

func (p *Pipeline) findOrCreateChat(tenantID int64, msg protocol.InboundMessage, contactID int64) (*domain.Chat, error) {
	db := p.app.DB()
	var chat domain.Chat
	err := db.Where("tenant_id = ? and remote_jid = ?", tenantID, msg.ChatJID).First(&chat).Error
	if err == nil {
		if chat.ContactID == 0 && contactID != 0 {
			db.Model(&domain.Chat{}).Where("id = ?", chat.ID).Update("contact_id", contactID)
			chat.ContactID = contactID
		}
		return &chat, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find chat: %w", err)
	}

	name := msg.PushName
	if name == "" {
		name = jidUser(msg.ChatJID)
	}
	chat = domain.Chat{
		ID:        common.UUIDint64(),
		TenantID:  tenantID,
		RemoteJid: msg.ChatJID,
		ContactID: contactID,
		Name:      name,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&chat)
	if res.Error != nil {
		return nil, fmt.Errorf("create chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent insert; read the winner.
		if err := db.Where("tenant_id = ? and remote_jid = ?", tenantID, msg.ChatJID).First(&chat).Error; err != nil {
			return nil, fmt.Errorf("reload chat: %w", err)
		}
	}
	return &chat, nil
}

// fetchMedia runs the fallback chain and persists the binary under the media
// dir. Exhaustion is tolerated: the raw URL stays on the record for later
// on-demand resolution.
func (p *Pipeline) fetchMedia(tenantID, chatID int64, msg protocol.InboundMessage) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var client protocol.Client
	if p.clients != nil {
		client = p.clients.Client(tenantID)
	}
	data, err := p.fetcher.Fetch(ctx, client, msg.Media)
	if err != nil {
		zap.L().Warn("media download exhausted, keeping url",
			zap.Int64("tenant_id", tenantID),
			zap.String("external_id", msg.ExternalID),
			zap.Error(err))
		return "", false
	}

	name := fmt.Sprintf("%d_%s%s", chatID, sanitizeID(msg.ExternalID), extFor(msg.Media.MimeType))
	path := filepath.Join(p.app.Config().MediaDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		zap.L().Error("media write failed", zap.String("path", path), zap.Error(err))
		return "", false
	}
	return path, true
}

func jidUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i > 0 {
		return jid[:i]
	}
	return jid
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

func extFor(mimeType string) string {
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
