package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/talkio/wablast/config"
	"github.com/talkio/wablast/internal/app"
	"github.com/talkio/wablast/internal/domain"
	"github.com/talkio/wablast/internal/protocol"
	"github.com/talkio/wablast/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.AppConfig{}
	*cfg = *config.DefaultAppConfig
	cfg.System.Workdir = t.TempDir()
	return app.NewTestApplication(cfg, db)
}

type nilClients struct{}

func (nilClients) Client(int64) protocol.Client { return nil }

type recordingAutomation struct {
	calls []string
}

func (r *recordingAutomation) Handle(_ int64, _ *domain.Chat, text string) bool {
	r.calls = append(r.calls, text)
	return true
}

func inboundText(ext, jid, text string) protocol.InboundMessage {
	return protocol.InboundMessage{
		ExternalID:  ext,
		ChatJID:     jid,
		ChatServer:  "s.whatsapp.net",
		SenderPhone: "628111",
		PushName:    "Budi",
		Timestamp:   time.Now(),
		Type:        domain.MessageTypeText,
		Text:        text,
	}
}

func TestIngestPersistsAndDedupes(t *testing.T) {
	actx := newTestApp(t)
	p := NewPipeline(actx, nilClients{})

	msg := inboundText("EXT1", "628111@s.whatsapp.net", "hello")
	if err := p.ingest(1, msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// Redelivery of the same event must be a no-op.
	if err := p.ingest(1, msg); err != nil {
		t.Fatalf("ingest duplicate: %v", err)
	}

	var count int64
	actx.DB().Model(&domain.Message{}).Count(&count)
	if count != 1 {
		t.Fatalf("messages = %d, want 1", count)
	}

	var chat domain.Chat
	if err := actx.DB().Where("tenant_id = ? and remote_jid = ?", 1, "628111@s.whatsapp.net").
		First(&chat).Error; err != nil {
		t.Fatalf("chat: %v", err)
	}
	if chat.UnreadCount != 1 || chat.InboundCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", chat.UnreadCount, chat.InboundCount)
	}
	if chat.Name != "Budi" {
		t.Fatalf("chat name = %q", chat.Name)
	}
}

func TestIngestDropsPseudoChats(t *testing.T) {
	actx := newTestApp(t)
	p := NewPipeline(actx, nilClients{})

	msgs := []protocol.InboundMessage{
		{ExternalID: "E1", ChatJID: "status@broadcast", ChatServer: "broadcast", Type: "text", Text: "x"},
		{ExternalID: "E2", ChatJID: "123@newsletter", ChatServer: "newsletter", Type: "text", Text: "x"},
	}
	for _, m := range msgs {
		if err := p.ingest(1, m); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	var count int64
	actx.DB().Model(&domain.Chat{}).Count(&count)
	if count != 0 {
		t.Fatalf("pseudo chats created %d rows", count)
	}
}

func TestIngestResolvesContactNeverCreates(t *testing.T) {
	actx := newTestApp(t)
	p := NewPipeline(actx, nilClients{})

	if err := p.ingest(1, inboundText("E1", "628111@s.whatsapp.net", "hi")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var contacts int64
	actx.DB().Model(&domain.Contact{}).Count(&contacts)
	if contacts != 0 {
		t.Fatal("inbound traffic must never create contacts")
	}
	var chat domain.Chat
	actx.DB().First(&chat)
	if chat.ContactID != 0 {
		t.Fatalf("contact_id = %d, want 0", chat.ContactID)
	}

	// Known contact gets linked on the next message.
	contact := domain.Contact{ID: common.UUIDint64(), TenantID: 1, Phone: "628111", Name: "Budi"}
	actx.DB().Create(&contact)
	if err := p.ingest(1, inboundText("E2", "628111@s.whatsapp.net", "again")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	actx.DB().First(&chat)
	if chat.ContactID != contact.ID {
		t.Fatalf("contact_id = %d, want %d", chat.ContactID, contact.ID)
	}
}

func TestIngestOwnMessagesSkipCountersAndAutomation(t *testing.T) {
	actx := newTestApp(t)
	p := NewPipeline(actx, nilClients{})
	rec := &recordingAutomation{}
	p.SetAutomation(rec)

	own := inboundText("E1", "628111@s.whatsapp.net", "me")
	own.FromMe = true
	if err := p.ingest(1, own); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var chat domain.Chat
	actx.DB().First(&chat)
	if chat.UnreadCount != 0 || chat.InboundCount != 0 {
		t.Fatalf("own message touched counters: %d/%d", chat.UnreadCount, chat.InboundCount)
	}
	var msg domain.Message
	actx.DB().First(&msg)
	if msg.Status != domain.MessageStatusSent {
		t.Fatalf("own message status = %s, want sent", msg.Status)
	}
	if len(rec.calls) != 0 {
		t.Fatal("automation must not see own messages")
	}

	if err := p.ingest(1, inboundText("E2", "628111@s.whatsapp.net", "reply me")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "reply me" {
		t.Fatalf("automation calls = %v", rec.calls)
	}
}

func TestIngestKeepsMediaURLOnExhaustion(t *testing.T) {
	actx := newTestApp(t)
	p := NewPipeline(actx, nilClients{})
	p.fetcher = NewMediaFetcherWith() // no strategies: always exhausted

	msg := inboundText("E1", "628111@s.whatsapp.net", "")
	msg.Type = domain.MessageTypeImage
	msg.Media = &protocol.MediaRef{URL: "https://cdn.example/enc.jpg", MimeType: "image/jpeg"}
	if err := p.ingest(1, msg); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var rec domain.Message
	actx.DB().First(&rec)
	if rec.MediaURL != "https://cdn.example/enc.jpg" {
		t.Fatalf("media url = %q", rec.MediaURL)
	}
	if rec.MediaPath != "" {
		t.Fatalf("media path = %q, want empty", rec.MediaPath)
	}
}
