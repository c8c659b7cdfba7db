package domain

import "time"

// Session status values. Transitions are monotonic within one connection
// cycle: connecting -> qr_pending|connected -> disconnected.
const (
	SessionConnecting   = "connecting"
	SessionQRPending    = "qr_pending"
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
)

// Session mirrors the per-tenant protocol credential state into the
// relational store so a restart can re-establish the transport without
// re-authentication. One row per tenant.
type Session struct {
	ID              int64      `json:"id,string" gorm:"primaryKey"`
	TenantID        int64      `json:"tenant_id,string" gorm:"uniqueIndex"`
	Status          string     `json:"status"`
	Phone           string     `json:"phone" gorm:"index"` // external phone JID, known after pairing
	Credentials     []byte     `json:"-"`                  // AES-GCM encrypted snapshot of the credential directory
	LastConnectedAt *time.Time `json:"last_connected_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Session) TableName() string {
	return "wa_session"
}
