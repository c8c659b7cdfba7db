package domain

import (
	"strings"
	"time"
)

// Contact is a tenant-scoped address book entry. Contacts are only created
// through the API or imports, never from inbound traffic.
type Contact struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  int64     `json:"tenant_id,string" gorm:"index:idx_contact_tenant_phone,unique"`
	Phone     string    `json:"phone" gorm:"index:idx_contact_tenant_phone,unique"`
	Name      string    `json:"name"`
	Tags      string    `json:"tags"` // comma separated
	Blocked   bool      `json:"blocked"`
	Remark    string    `json:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Contact) TableName() string {
	return "contact"
}

// TagList splits the comma separated tag column into a slice.
func (c *Contact) TagList() []string {
	if strings.TrimSpace(c.Tags) == "" {
		return nil
	}
	parts := strings.Split(c.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// HasTag reports whether the contact carries the given tag (case-insensitive).
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.TagList() {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present and returns the new column value.
func (c *Contact) AddTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || c.HasTag(tag) {
		return c.Tags
	}
	tags := append(c.TagList(), tag)
	c.Tags = strings.Join(tags, ",")
	return c.Tags
}
