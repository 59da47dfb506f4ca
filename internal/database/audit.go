package database

import (
	"log"
	"time"

	"github.com/brokerlab/control-plane/internal/logging"
	"gorm.io/gorm"
)

// Audit event types.
const (
	EventCommandValidated    = "command_validated"
	EventCommandExecuted     = "command_executed"
	EventSessionOpened       = "session_opened"
	EventSessionClosed       = "session_closed"
	EventWorkspaceCreated    = "workspace_created"
	EventWorkspaceReclaimed  = "workspace_reclaimed"
	EventLabProvisioned      = "lab_provisioned"
	EventLabProvisionFailed  = "lab_provision_failed"
	EventLabStopped          = "lab_stopped"
	EventOrphanSwept         = "orphan_swept"
)

// DefaultRetentionDays is how long audit events are kept when no explicit
// retention is configured.
const DefaultRetentionDays = 90

// Auditor records and queries the durable audit trail. Writes also emit a
// log line so the events show up in the live log stream.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Record writes one audit event. Failures are logged, never propagated:
// an audit write must not fail the operation it describes.
func (a *Auditor) Record(ownerID, eventType, resource, decision, details string) {
	ev := AuditEvent{
		OwnerID:   ownerID,
		EventType: eventType,
		Resource:  resource,
		Decision:  decision,
		Details:   details,
	}
	if err := a.db.Create(&ev).Error; err != nil {
		log.Printf("[audit] failed to write event: %v", err)
		return
	}
	log.Printf("[audit] %s owner=%s resource=%s decision=%s details=%s",
		eventType, logging.Sanitize(ownerID), logging.Sanitize(resource), decision, logging.Sanitize(details))
}

// QueryOptions filters audit queries. Zero values mean no filter.
type QueryOptions struct {
	OwnerID   string
	EventType string
	Limit     int
	Offset    int
}

func (a *Auditor) Query(opts QueryOptions) ([]AuditEvent, error) {
	q := a.db.Model(&AuditEvent{}).Order("created_at DESC")
	if opts.OwnerID != "" {
		q = q.Where("owner_id = ?", opts.OwnerID)
	}
	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.Limit(limit).Offset(opts.Offset)

	var events []AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// PurgeExpired deletes events older than the retention window and returns
// the number of rows removed.
func (a *Auditor) PurgeExpired() (int64, error) {
	cutoff := a.nowFn().AddDate(0, 0, -a.retentionDays)
	res := a.db.Where("created_at < ?", cutoff).Delete(&AuditEvent{})
	return res.RowsAffected, res.Error
}
