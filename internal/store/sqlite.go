// Package store provides storage backends for DocPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/DocPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveGroup(g models.Group) error {
	query := `
		INSERT INTO groups (id, name, participant_count, registered_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			participant_count = excluded.participant_count,
			updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.Exec(query, g.ID, g.Name, g.ParticipantCount)
	if err != nil {
		slog.Error("SQLiteStore SaveGroup failed", "error", err, "id", g.ID)
		return fmt.Errorf("failed to save group %s: %w", g.ID, err)
	}
	slog.Debug("SQLiteStore SaveGroup succeeded", "id", g.ID, "name", g.Name)
	return nil
}

func (s *SQLiteStore) GetGroup(id string) (*models.Group, error) {
	var g models.Group
	err := s.db.QueryRow(`SELECT id, name, participant_count, registered_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.ParticipantCount, &g.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetGroup failed", "error", err, "id", id)
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) ListGroups() ([]models.Group, error) {
	rows, err := s.db.Query(`SELECT id, name, participant_count, registered_at FROM groups ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListGroups query failed", "error", err)
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.ParticipantCount, &g.RegisteredAt); err != nil {
			slog.Error("SQLiteStore ListGroups scan failed", "error", err)
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group rows: %w", err)
	}
	slog.Debug("SQLiteStore ListGroups succeeded", "count", len(groups))
	return groups, nil
}

func (s *SQLiteStore) IsAuthorized(subjectID string) (bool, error) {
	var authorized bool
	err := s.db.QueryRow(`SELECT authorized FROM authorizations WHERE subject_id = ?`, subjectID).Scan(&authorized)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore IsAuthorized failed", "error", err, "subjectID", subjectID)
		return false, err
	}
	return authorized, nil
}

func (s *SQLiteStore) Authorize(subjectID string, kind models.SubjectKind, authorizedBy string) (bool, error) {
	already, err := s.IsAuthorized(subjectID)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	query := `
		INSERT INTO authorizations (subject_id, subject_kind, authorized, authorized_by, authorized_at)
		VALUES (?, ?, 1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (subject_id) DO UPDATE SET
			authorized = 1,
			authorized_by = excluded.authorized_by,
			authorized_at = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, subjectID, string(kind), authorizedBy); err != nil {
		slog.Error("SQLiteStore Authorize failed", "error", err, "subjectID", subjectID)
		return false, fmt.Errorf("failed to authorize %s: %w", subjectID, err)
	}
	slog.Debug("SQLiteStore Authorize succeeded", "subjectID", subjectID, "kind", kind)
	return true, nil
}

func (s *SQLiteStore) Deauthorize(subjectID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE authorizations SET authorized = 0 WHERE subject_id = ? AND authorized = 1`, subjectID)
	if err != nil {
		slog.Error("SQLiteStore Deauthorize failed", "error", err, "subjectID", subjectID)
		return false, fmt.Errorf("failed to deauthorize %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	slog.Debug("SQLiteStore Deauthorize succeeded", "subjectID", subjectID, "changed", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) ListAuthorized() ([]models.Authorization, error) {
	query := `
		SELECT a.subject_id, a.subject_kind, a.authorized_by, a.authorized_at,
		       a.auto_matting, a.auto_upload, a.configured_by, a.configured_at,
		       COALESCE(g.name, '')
		FROM authorizations a
		LEFT JOIN groups g ON a.subject_id = g.id
		WHERE a.authorized = 1
		ORDER BY a.subject_kind, a.authorized_at`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore ListAuthorized query failed", "error", err)
		return nil, fmt.Errorf("failed to query authorizations: %w", err)
	}
	defer rows.Close()

	var auths []models.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			slog.Error("SQLiteStore ListAuthorized scan failed", "error", err)
			return nil, err
		}
		auths = append(auths, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate authorization rows: %w", err)
	}
	slog.Debug("SQLiteStore ListAuthorized succeeded", "count", len(auths))
	return auths, nil
}

func (s *SQLiteStore) GetSubjectConfig(subjectID string) (models.SubjectConfig, error) {
	var cfg models.SubjectConfig
	var configuredBy sql.NullString
	var configuredAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT auto_matting, auto_upload, configured_by, configured_at
		FROM authorizations WHERE subject_id = ? AND authorized = 1`, subjectID).
		Scan(&cfg.AutoMatting, &cfg.AutoUpload, &configuredBy, &configuredAt)
	if err == sql.ErrNoRows {
		return models.SubjectConfig{}, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSubjectConfig failed", "error", err, "subjectID", subjectID)
		return models.SubjectConfig{}, err
	}
	cfg.ConfiguredBy = configuredBy.String
	if configuredAt.Valid {
		cfg.ConfiguredAt = configuredAt.Time
	}
	return cfg, nil
}

func (s *SQLiteStore) SetSubjectConfig(subjectID string, cfg models.SubjectConfig) error {
	res, err := s.db.Exec(`
		UPDATE authorizations
		SET auto_matting = ?, auto_upload = ?, configured_by = ?, configured_at = CURRENT_TIMESTAMP
		WHERE subject_id = ? AND authorized = 1`,
		cfg.AutoMatting, cfg.AutoUpload, cfg.ConfiguredBy, subjectID)
	if err != nil {
		slog.Error("SQLiteStore SetSubjectConfig failed", "error", err, "subjectID", subjectID)
		return fmt.Errorf("failed to set config for %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotAuthorized
	}
	slog.Debug("SQLiteStore SetSubjectConfig succeeded", "subjectID", subjectID)
	return nil
}

func (s *SQLiteStore) IsAdministrator(subjectID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM administrators WHERE subject_id = ? AND active = 1`, subjectID).Scan(&count)
	if err != nil {
		slog.Error("SQLiteStore IsAdministrator failed", "error", err, "subjectID", subjectID)
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) ListAdministrators() ([]models.Administrator, error) {
	rows, err := s.db.Query(`
		SELECT subject_id, name, subject_kind, active, created_at
		FROM administrators WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListAdministrators query failed", "error", err)
		return nil, fmt.Errorf("failed to query administrators: %w", err)
	}
	defer rows.Close()

	var admins []models.Administrator
	for rows.Next() {
		var a models.Administrator
		var kind string
		if err := rows.Scan(&a.SubjectID, &a.Name, &kind, &a.Active, &a.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListAdministrators scan failed", "error", err)
			return nil, err
		}
		a.SubjectKind = models.SubjectKind(kind)
		admins = append(admins, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate administrator rows: %w", err)
	}
	slog.Debug("SQLiteStore ListAdministrators succeeded", "count", len(admins))
	return admins, nil
}

func (s *SQLiteStore) AddAdministrator(admin models.Administrator) error {
	already, err := s.IsAdministrator(admin.SubjectID)
	if err != nil {
		return err
	}
	if already {
		return models.ErrAlreadyAdmin
	}
	query := `
		INSERT INTO administrators (subject_id, name, subject_kind, active, created_at)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (subject_id) DO UPDATE SET
			name = excluded.name,
			subject_kind = excluded.subject_kind,
			active = 1,
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, admin.SubjectID, admin.Name, string(admin.SubjectKind)); err != nil {
		slog.Error("SQLiteStore AddAdministrator failed", "error", err, "subjectID", admin.SubjectID)
		return fmt.Errorf("failed to add administrator %s: %w", admin.SubjectID, err)
	}
	// Administrators are implicitly authorized; drop any plain authorization row.
	if _, err := s.db.Exec(`DELETE FROM authorizations WHERE subject_id = ?`, admin.SubjectID); err != nil {
		slog.Error("SQLiteStore AddAdministrator cleanup failed", "error", err, "subjectID", admin.SubjectID)
	}
	slog.Debug("SQLiteStore AddAdministrator succeeded", "subjectID", admin.SubjectID, "name", admin.Name)
	return nil
}

func (s *SQLiteStore) RemoveAdministrator(subjectID string) error {
	res, err := s.db.Exec(`
		UPDATE administrators SET active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE subject_id = ? AND active = 1`, subjectID)
	if err != nil {
		slog.Error("SQLiteStore RemoveAdministrator failed", "error", err, "subjectID", subjectID)
		return fmt.Errorf("failed to remove administrator %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrAdminNotFound
	}
	slog.Debug("SQLiteStore RemoveAdministrator succeeded", "subjectID", subjectID)
	return nil
}

func (s *SQLiteStore) UpsertPendingRequest(req models.PendingRequest) error {
	query := `
		INSERT INTO pending_requests
			(identifier, subject_id, document_type, wants_front, wants_folio, auto_matting, attempt_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)
		ON CONFLICT (identifier) DO UPDATE SET
			subject_id = excluded.subject_id,
			document_type = excluded.document_type,
			wants_front = excluded.wants_front,
			wants_folio = excluded.wants_folio,
			auto_matting = excluded.auto_matting,
			attempt_count = 0,
			created_at = CURRENT_TIMESTAMP,
			last_attempt_at = NULL`
	_, err := s.db.Exec(query, req.Identifier, req.SubjectID, string(req.DocumentType),
		req.Options.WantsFrontMatting, req.Options.WantsFolioStamp, req.Options.AutoMatting)
	if err != nil {
		slog.Error("SQLiteStore UpsertPendingRequest failed", "error", err, "identifier", req.Identifier)
		return fmt.Errorf("failed to upsert pending request %s: %w", req.Identifier, err)
	}
	slog.Debug("SQLiteStore UpsertPendingRequest succeeded", "identifier", req.Identifier, "subjectID", req.SubjectID)
	return nil
}

func (s *SQLiteStore) GetPendingRequest(identifier string) (*models.PendingRequest, error) {
	row := s.db.QueryRow(`
		SELECT identifier, subject_id, document_type, wants_front, wants_folio, auto_matting,
		       attempt_count, created_at, last_attempt_at
		FROM pending_requests WHERE identifier = ?`, identifier)
	req, err := scanPendingRequest(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetPendingRequest not found", "identifier", identifier)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPendingRequest failed", "error", err, "identifier", identifier)
		return nil, err
	}
	return &req, nil
}

func (s *SQLiteStore) DeletePendingRequest(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM pending_requests WHERE identifier = ?`, identifier)
	if err != nil {
		slog.Error("SQLiteStore DeletePendingRequest failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete pending request %s: %w", identifier, err)
	}
	slog.Debug("SQLiteStore DeletePendingRequest succeeded", "identifier", identifier)
	return nil
}

func (s *SQLiteStore) IncrementAllAttempts() (int, error) {
	res, err := s.db.Exec(`
		UPDATE pending_requests
		SET attempt_count = attempt_count + 1, last_attempt_at = CURRENT_TIMESTAMP`)
	if err != nil {
		slog.Error("SQLiteStore IncrementAllAttempts failed", "error", err)
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) EvictExpired(ttl time.Duration, maxAttempts int) (int, error) {
	// CURRENT_TIMESTAMP stores UTC text, so the cutoff must match that format.
	cutoff := time.Now().UTC().Add(-ttl).Format("2006-01-02 15:04:05")
	res, err := s.db.Exec(`
		DELETE FROM pending_requests
		WHERE created_at < ? OR attempt_count > ?`, cutoff, maxAttempts)
	if err != nil {
		slog.Error("SQLiteStore EvictExpired failed", "error", err)
		return 0, fmt.Errorf("failed to evict expired requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("SQLiteStore EvictExpired removed entries", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountPendingRequests() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_requests`).Scan(&count); err != nil {
		slog.Error("SQLiteStore CountPendingRequests failed", "error", err)
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) ListPendingRequests() ([]models.PendingRequest, error) {
	rows, err := s.db.Query(`
		SELECT identifier, subject_id, document_type, wants_front, wants_folio, auto_matting,
		       attempt_count, created_at, last_attempt_at
		FROM pending_requests ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListPendingRequests query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.PendingRequest
	for rows.Next() {
		req, err := scanPendingRequest(rows)
		if err != nil {
			slog.Error("SQLiteStore ListPendingRequests scan failed", "error", err)
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending request rows: %w", err)
	}
	return reqs, nil
}

func (s *SQLiteStore) AppendRequest(entry models.LedgerEntry) error {
	status := entry.Status
	if status == "" {
		status = models.LedgerStatusPending
		if !entry.Authorized {
			status = models.LedgerStatusRejected
		}
	}
	query := `
		INSERT INTO request_ledger
			(identifier, subject_id, display_name, document_type, wants_front, wants_folio,
			 auto_matting, authorized, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`
	_, err := s.db.Exec(query, entry.Identifier, entry.SubjectID, entry.DisplayName,
		string(entry.DocumentType), entry.Options.WantsFrontMatting, entry.Options.WantsFolioStamp,
		entry.Options.AutoMatting, entry.Authorized, string(status))
	if err != nil {
		slog.Error("SQLiteStore AppendRequest failed", "error", err, "identifier", entry.Identifier)
		return fmt.Errorf("failed to append ledger entry %s: %w", entry.Identifier, err)
	}
	slog.Debug("SQLiteStore AppendRequest succeeded", "identifier", entry.Identifier, "status", status)
	return nil
}

func (s *SQLiteStore) MarkCompleted(identifier, subjectID string) (bool, error) {
	// Only the newest non-terminal matching row advances; older rows remain
	// as audit history.
	query := `
		UPDATE request_ledger
		SET status = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM request_ledger
			WHERE identifier = ? AND subject_id = ? AND status IN (?, ?)
			ORDER BY submitted_at DESC, id DESC
			LIMIT 1
		)`
	res, err := s.db.Exec(query, string(models.LedgerStatusCompleted), identifier, subjectID,
		string(models.LedgerStatusPending), string(models.LedgerStatusProcessing))
	if err != nil {
		slog.Error("SQLiteStore MarkCompleted failed", "error", err, "identifier", identifier)
		return false, fmt.Errorf("failed to mark %s completed: %w", identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	slog.Debug("SQLiteStore MarkCompleted", "identifier", identifier, "subjectID", subjectID, "updated", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) CountRequests() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_ledger`).Scan(&count); err != nil {
		slog.Error("SQLiteStore CountRequests failed", "error", err)
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) IncrementCounter(subjectID, displayName string) error {
	query := `
		INSERT INTO counters (subject_id, display_name, total_documents, first_at, last_at)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (subject_id) DO UPDATE SET
			total_documents = total_documents + 1,
			display_name = excluded.display_name,
			last_at = CURRENT_TIMESTAMP`
	if _, err := s.db.Exec(query, subjectID, displayName); err != nil {
		slog.Error("SQLiteStore IncrementCounter failed", "error", err, "subjectID", subjectID)
		return fmt.Errorf("failed to increment counter for %s: %w", subjectID, err)
	}
	slog.Debug("SQLiteStore IncrementCounter succeeded", "subjectID", subjectID)
	return nil
}

func (s *SQLiteStore) ResetCounters() (int, error) {
	res, err := s.db.Exec(`DELETE FROM counters`)
	if err != nil {
		slog.Error("SQLiteStore ResetCounters failed", "error", err)
		return 0, fmt.Errorf("failed to reset counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Info("SQLiteStore ResetCounters succeeded", "removed", n)
	return int(n), nil
}

func (s *SQLiteStore) ListCounters() ([]models.CounterEntry, error) {
	rows, err := s.db.Query(`
		SELECT subject_id, COALESCE(display_name, ''), total_documents, first_at, last_at
		FROM counters ORDER BY total_documents DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListCounters query failed", "error", err)
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	var counters []models.CounterEntry
	for rows.Next() {
		var c models.CounterEntry
		var firstAt, lastAt sql.NullTime
		if err := rows.Scan(&c.SubjectID, &c.DisplayName, &c.TotalDocuments, &firstAt, &lastAt); err != nil {
			slog.Error("SQLiteStore ListCounters scan failed", "error", err)
			return nil, err
		}
		if firstAt.Valid {
			c.FirstAt = firstAt.Time
		}
		if lastAt.Valid {
			c.LastAt = lastAt.Time
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counter rows: %w", err)
	}
	return counters, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
