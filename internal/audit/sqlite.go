package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store over the shared module database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore wraps an existing database connection and creates the trail
// schema when missing.
func NewSQLiteStore(db *sql.DB, logger *logrus.Logger) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_trail (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		user_id TEXT,
		username TEXT,
		facebook_id TEXT,
		event_type TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		ip_address TEXT,
		user_agent TEXT,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_trail_timestamp ON audit_trail(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_trail_user_id ON audit_trail(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_trail_event_type ON audit_trail(event_type);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// LogEvent records a trail entry.
func (s *SQLiteStore) LogEvent(ctx context.Context, event *Event) error {
	detailsJSON := "{}"
	if len(event.Details) > 0 {
		bytes, err := json.Marshal(event.Details)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to marshal audit event details")
		} else {
			detailsJSON = string(bytes)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_trail (
			timestamp, user_id, username, facebook_id, event_type,
			action, status, reason, ip_address, user_agent, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		time.Now().Unix(),
		event.UserID,
		event.Username,
		event.FacebookID,
		event.EventType,
		event.Action,
		event.Status,
		event.Reason,
		event.IPAddress,
		event.UserAgent,
		detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// GetRecords retrieves trail entries matching the filters, newest first.
func (s *SQLiteStore) GetRecords(ctx context.Context, filters *Filters) ([]*Record, int, error) {
	whereClause, args := buildWhereClause(filters)

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_trail %s", whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`
		SELECT id, timestamp, user_id, username, facebook_id, event_type,
		       action, status, reason, ip_address, user_agent, details
		FROM audit_trail %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	args = append(args, filters.PageSize, offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := s.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, total, nil
}

// GetRecordByID retrieves a single trail entry.
func (s *SQLiteStore) GetRecordByID(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, user_id, username, facebook_id, event_type,
		       action, status, reason, ip_address, user_agent, details
		FROM audit_trail
		WHERE id = ?
	`, id)

	record, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return record, nil
}

// PurgeRecords deletes entries older than the given number of days.
func (s *SQLiteStore) PurgeRecords(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).Unix()

	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_trail WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (s *SQLiteStore) scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	record := &Record{}
	var userID, username, facebookID, reason, ipAddress, userAgent, detailsJSON sql.NullString

	err := row.Scan(
		&record.ID,
		&record.Timestamp,
		&userID,
		&username,
		&facebookID,
		&record.EventType,
		&record.Action,
		&record.Status,
		&reason,
		&ipAddress,
		&userAgent,
		&detailsJSON,
	)
	if err != nil {
		return nil, err
	}

	record.UserID = userID.String
	record.Username = username.String
	record.FacebookID = facebookID.String
	record.Reason = reason.String
	record.IPAddress = ipAddress.String
	record.UserAgent = userAgent.String

	record.Details = make(map[string]interface{})
	if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "{}" {
		if err := json.Unmarshal([]byte(detailsJSON.String), &record.Details); err != nil {
			s.logger.WithError(err).Warn("Failed to unmarshal audit record details")
		}
	}

	return record, nil
}

func buildWhereClause(filters *Filters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filters.UserID)
	}
	if filters.FacebookID != "" {
		conditions = append(conditions, "facebook_id = ?")
		args = append(args, filters.FacebookID)
	}
	if filters.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filters.EventType)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.StartDate > 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.StartDate)
	}
	if filters.EndDate > 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filters.EndDate)
	}

	if len(conditions) == 0 {
		return "", args
	}

	where := "WHERE " + conditions[0]
	for i := 1; i < len(conditions); i++ {
		where += " AND " + conditions[i]
	}
	return where, args
}
