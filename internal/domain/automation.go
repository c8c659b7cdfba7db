package domain

import "time"

// Automation modes.
const (
	AutomationModeRules  = "rules"
	AutomationModeScript = "script"
)

// Rule match types. Greeting rules fire exactly once, when the chat's inbound
// message count reaches 1.
const (
	MatchExact      = "exact"
	MatchContains   = "contains"
	MatchStartsWith = "starts_with"
	MatchRegex      = "regex"
	MatchGreeting   = "greeting"
)

// Automation is a tenant's single inbound-message handler definition, either a
// declarative rule set or a sandboxed script.
type Automation struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  int64     `json:"tenant_id,string" gorm:"uniqueIndex"`
	Mode      string    `json:"mode"`
	Script    string    `json:"script"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Automation) TableName() string {
	return "automation"
}

// AutomationRule is one declarative reply rule. Rules are evaluated in
// descending priority order; the first match wins.
type AutomationRule struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	AutomationID int64     `json:"automation_id,string" gorm:"index"`
	TenantID     int64     `json:"tenant_id,string" gorm:"index"`
	MatchType    string    `json:"match_type"`
	Pattern      string    `json:"pattern"`
	Reply        string    `json:"reply"`
	Priority     int       `json:"priority"`
	TagContact   string    `json:"tag_contact"` // optional tag applied to the contact on match
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName Specify table name
func (AutomationRule) TableName() string {
	return "automation_rule"
}

// TenantVariable is a key/value pair substituted into rule replies as {key}.
type TenantVariable struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  int64     `json:"tenant_id,string" gorm:"index:idx_tenant_var,unique"`
	Key       string    `json:"key" gorm:"column:var_key;index:idx_tenant_var,unique"`
	Value     string    `json:"value" gorm:"column:var_value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (TenantVariable) TableName() string {
	return "tenant_variable"
}
