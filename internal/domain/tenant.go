package domain

import "time"

// Tenant is an isolated account scope. Every contact, chat, blast and
// automation row hangs off exactly one tenant.
type Tenant struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Name      string    `json:"name" form:"name"`
	Status    string    `json:"status" form:"status"`
	Remark    string    `json:"remark" form:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Tenant) TableName() string {
	return "tenant"
}
