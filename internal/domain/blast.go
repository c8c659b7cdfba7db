package domain

import "time"

// Blast status values.
const (
	BlastScheduled = "scheduled"
	BlastRunning   = "running"
	BlastPaused    = "paused"
	BlastCompleted = "completed"
	BlastCancelled = "cancelled"
	BlastFailed    = "failed"
)

// Blast speed policies. Each maps to an inter-recipient delay range.
const (
	SpeedNormal = "normal"
	SpeedSlow   = "slow"
	SpeedRandom = "random"
)

// BlastMessage status values. queued -> sent -> {delivered -> read} | failed.
// failed is terminal; only a scheduled recurrence reset may return rows to queued.
const (
	BlastMsgQueued    = "queued"
	BlastMsgSent      = "sent"
	BlastMsgDelivered = "delivered"
	BlastMsgRead      = "read"
	BlastMsgFailed    = "failed"
)

// Blast is one bulk outbound campaign. Counters increment monotonically except
// when a scheduled recurrence resets the campaign for another run.
type Blast struct {
	ID             int64      `json:"id,string" gorm:"primaryKey"`
	TenantID       int64      `json:"tenant_id,string" gorm:"index"`
	Name           string     `json:"name"`
	Message        string     `json:"message"`
	MediaURL       string     `json:"media_url"`
	Speed          string     `json:"speed"`
	Status         string     `json:"status" gorm:"index"`
	Total          int        `json:"total"`
	SentCount      int        `json:"sent_count"`
	DeliveredCount int        `json:"delivered_count"`
	ReadCount      int        `json:"read_count"`
	FailedCount    int        `json:"failed_count"`
	ScheduledAt    *time.Time `json:"scheduled_at"`

	// Recurrence. RecurDays is a comma separated weekday set ("mon,wed,fri",
	// empty = every day), RecurTime is the local "15:04" trigger time.
	RecurEnabled     bool       `json:"recur_enabled"`
	RecurStart       *time.Time `json:"recur_start"`
	RecurEnd         *time.Time `json:"recur_end"`
	RecurDays        string     `json:"recur_days"`
	RecurTime        string     `json:"recur_time"`
	LastScheduledRun *time.Time `json:"last_scheduled_run"`

	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Blast) TableName() string {
	return "blast"
}

// BlastMessage is the per-recipient delivery record of a blast.
type BlastMessage struct {
	ID          int64      `json:"id,string" gorm:"primaryKey"`
	BlastID     int64      `json:"blast_id,string" gorm:"index:idx_blastmsg_blast_contact,unique"`
	ContactID   int64      `json:"contact_id,string" gorm:"index:idx_blastmsg_blast_contact,unique"`
	TenantID    int64      `json:"tenant_id,string" gorm:"index"`
	Phone       string     `json:"phone"`
	Status      string     `json:"status" gorm:"index"`
	ExternalID  string     `json:"external_id" gorm:"index"`
	Error       string     `json:"error"`
	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	FailedAt    *time.Time `json:"failed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (BlastMessage) TableName() string {
	return "blast_message"
}
