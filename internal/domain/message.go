package domain

import "time"

// Message types as classified by the ingestion pipeline.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeSticker  = "sticker"
	MessageTypeUnknown  = "unknown"
)

// Message status values.
const (
	MessageStatusReceived  = "received"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// Message is an append-only conversation record. The (chat_id, external_id)
// unique index is what makes ingestion idempotent.
type Message struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	TenantID   int64     `json:"tenant_id,string" gorm:"index"`
	ChatID     int64     `json:"chat_id,string" gorm:"index:idx_message_chat_ext,unique"`
	ExternalID string    `json:"external_id" gorm:"index:idx_message_chat_ext,unique"`
	FromMe     bool      `json:"from_me"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	MediaURL   string    `json:"media_url"`  // raw, possibly expiring protocol URL
	MediaPath  string    `json:"media_path"` // local path once a download strategy succeeded
	MimeType   string    `json:"mime_type"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName Specify table name
func (Message) TableName() string {
	return "message"
}
