package domain

import "time"

// Chat is one conversation with a remote identity, unique per tenant.
// ContactID is zero when no address book entry matches the remote phone.
type Chat struct {
	ID            int64      `json:"id,string" gorm:"primaryKey"`
	TenantID      int64      `json:"tenant_id,string" gorm:"index:idx_chat_tenant_jid,unique"`
	RemoteJid     string     `json:"remote_jid" gorm:"index:idx_chat_tenant_jid,unique"`
	ContactID     int64      `json:"contact_id,string" gorm:"index"`
	Name          string     `json:"name"`
	UnreadCount   int        `json:"unread_count"`
	InboundCount  int64      `json:"inbound_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Chat) TableName() string {
	return "chat"
}
