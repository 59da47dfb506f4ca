package database

import "time"

// AuditEvent is the durable audit trail: gate decisions, provisioning
// lifecycle, and workspace reclaim outcomes. The state store holds the
// live command history; this table is what survives a Redis flush.
type AuditEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID    string    `gorm:"index;size:128" json:"owner_id"`
	EventType  string    `gorm:"index;size:64;not null" json:"event_type"`
	Resource   string    `gorm:"size:256" json:"resource"`
	Decision   string    `gorm:"size:16" json:"decision,omitempty"`
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
