// Package audit keeps a queryable trail of login attempts, provisioning
// actions and module lifecycle changes in the shared SQLite database.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager validates and records audit events and serves trail queries.
type Manager struct {
	store  Store
	logger *logrus.Logger
}

// NewManager creates an audit manager over the given store.
func NewManager(store Store, logger *logrus.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// LogEvent records an audit event. Malformed events are dropped with a
// warning rather than failing the caller's operation.
func (m *Manager) LogEvent(ctx context.Context, event *Event) error {
	if event == nil {
		m.logger.Warn("Attempted to log nil audit event")
		return nil
	}
	if event.EventType == "" || event.Action == "" || event.Status == "" {
		m.logger.WithFields(logrus.Fields{
			"event_type": event.EventType,
			"action":     event.Action,
			"status":     event.Status,
		}).Warn("Audit event missing required fields, dropped")
		return nil
	}

	if err := m.store.LogEvent(ctx, event); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.EventType,
			"user_id":    event.UserID,
			"status":     event.Status,
		}).Error("Failed to log audit event")
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"event_type":  event.EventType,
		"user_id":     event.UserID,
		"username":    event.Username,
		"facebook_id": event.FacebookID,
		"status":      event.Status,
		"reason":      event.Reason,
	}).Debug("Audit event logged")

	return nil
}

// GetRecords retrieves trail entries with filters and pagination defaults.
func (m *Manager) GetRecords(ctx context.Context, filters *Filters) ([]*Record, int, error) {
	if filters == nil {
		filters = &Filters{}
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = 50
	}
	if filters.PageSize > 100 {
		filters.PageSize = 100
	}

	records, total, err := m.store.GetRecords(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to retrieve audit records")
		return nil, 0, err
	}
	return records, total, nil
}

// GetRecordByID retrieves a single trail entry.
func (m *Manager) GetRecordByID(ctx context.Context, id int64) (*Record, error) {
	record, err := m.store.GetRecordByID(ctx, id)
	if err != nil {
		m.logger.WithError(err).WithField("record_id", id).Error("Failed to retrieve audit record")
		return nil, err
	}
	return record, nil
}

// PurgeRecords deletes entries older than the given number of days.
func (m *Manager) PurgeRecords(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		m.logger.Warn("Invalid retention days for purge operation")
		return 0, nil
	}

	count, err := m.store.PurgeRecords(ctx, olderThanDays)
	if err != nil {
		m.logger.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge audit records")
		return 0, err
	}

	m.logger.WithFields(logrus.Fields{
		"deleted_count":  count,
		"retention_days": olderThanDays,
	}).Info("Purged old audit records")
	return count, nil
}

// StartRetentionJob purges old entries once per day until ctx is cancelled.
// Call once on server startup.
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		m.logger.Info("Audit trail retention disabled")
		return
	}

	m.logger.WithField("retention_days", retentionDays).Info("Starting audit trail retention job")

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		m.runRetentionCleanup(ctx, retentionDays)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Stopping audit trail retention job")
				return
			case <-ticker.C:
				m.runRetentionCleanup(ctx, retentionDays)
			}
		}
	}()
}

func (m *Manager) runRetentionCleanup(ctx context.Context, retentionDays int) {
	if _, err := m.PurgeRecords(ctx, retentionDays); err != nil {
		m.logger.WithError(err).Error("Audit trail retention cleanup failed")
	}
}
