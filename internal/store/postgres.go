package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/DocPipe/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveGroup(g models.Group) error {
	query := `
		INSERT INTO groups (id, name, participant_count, registered_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			participant_count = EXCLUDED.participant_count,
			updated_at = NOW()`
	_, err := s.db.Exec(query, g.ID, g.Name, g.ParticipantCount)
	if err != nil {
		slog.Error("PostgresStore SaveGroup failed", "error", err, "id", g.ID)
		return fmt.Errorf("failed to save group %s: %w", g.ID, err)
	}
	slog.Debug("PostgresStore SaveGroup succeeded", "id", g.ID, "name", g.Name)
	return nil
}

func (s *PostgresStore) GetGroup(id string) (*models.Group, error) {
	var g models.Group
	err := s.db.QueryRow(`SELECT id, name, participant_count, registered_at FROM groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.ParticipantCount, &g.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetGroup failed", "error", err, "id", id)
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) ListGroups() ([]models.Group, error) {
	rows, err := s.db.Query(`SELECT id, name, participant_count, registered_at FROM groups ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListGroups query failed", "error", err)
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.ParticipantCount, &g.RegisteredAt); err != nil {
			slog.Error("PostgresStore ListGroups scan failed", "error", err)
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group rows: %w", err)
	}
	slog.Debug("PostgresStore ListGroups succeeded", "count", len(groups))
	return groups, nil
}

func (s *PostgresStore) IsAuthorized(subjectID string) (bool, error) {
	var authorized bool
	err := s.db.QueryRow(`SELECT authorized FROM authorizations WHERE subject_id = $1`, subjectID).Scan(&authorized)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		slog.Error("PostgresStore IsAuthorized failed", "error", err, "subjectID", subjectID)
		return false, err
	}
	return authorized, nil
}

func (s *PostgresStore) Authorize(subjectID string, kind models.SubjectKind, authorizedBy string) (bool, error) {
	already, err := s.IsAuthorized(subjectID)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	query := `
		INSERT INTO authorizations (subject_id, subject_kind, authorized, authorized_by, authorized_at)
		VALUES ($1, $2, TRUE, $3, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			authorized = TRUE,
			authorized_by = EXCLUDED.authorized_by,
			authorized_at = NOW()`
	if _, err := s.db.Exec(query, subjectID, string(kind), authorizedBy); err != nil {
		slog.Error("PostgresStore Authorize failed", "error", err, "subjectID", subjectID)
		return false, fmt.Errorf("failed to authorize %s: %w", subjectID, err)
	}
	slog.Debug("PostgresStore Authorize succeeded", "subjectID", subjectID, "kind", kind)
	return true, nil
}

func (s *PostgresStore) Deauthorize(subjectID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE authorizations SET authorized = FALSE WHERE subject_id = $1 AND authorized = TRUE`, subjectID)
	if err != nil {
		slog.Error("PostgresStore Deauthorize failed", "error", err, "subjectID", subjectID)
		return false, fmt.Errorf("failed to deauthorize %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	slog.Debug("PostgresStore Deauthorize succeeded", "subjectID", subjectID, "changed", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) ListAuthorized() ([]models.Authorization, error) {
	query := `
		SELECT a.subject_id, a.subject_kind, a.authorized_by, a.authorized_at,
		       a.auto_matting, a.auto_upload, a.configured_by, a.configured_at,
		       COALESCE(g.name, '')
		FROM authorizations a
		LEFT JOIN groups g ON a.subject_id = g.id
		WHERE a.authorized = TRUE
		ORDER BY a.subject_kind, a.authorized_at`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore ListAuthorized query failed", "error", err)
		return nil, fmt.Errorf("failed to query authorizations: %w", err)
	}
	defer rows.Close()

	var auths []models.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			slog.Error("PostgresStore ListAuthorized scan failed", "error", err)
			return nil, err
		}
		auths = append(auths, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate authorization rows: %w", err)
	}
	slog.Debug("PostgresStore ListAuthorized succeeded", "count", len(auths))
	return auths, nil
}

func (s *PostgresStore) GetSubjectConfig(subjectID string) (models.SubjectConfig, error) {
	var cfg models.SubjectConfig
	var configuredBy sql.NullString
	var configuredAt sql.NullTime
	err := s.db.QueryRow(`
		SELECT auto_matting, auto_upload, configured_by, configured_at
		FROM authorizations WHERE subject_id = $1 AND authorized = TRUE`, subjectID).
		Scan(&cfg.AutoMatting, &cfg.AutoUpload, &configuredBy, &configuredAt)
	if err == sql.ErrNoRows {
		return models.SubjectConfig{}, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSubjectConfig failed", "error", err, "subjectID", subjectID)
		return models.SubjectConfig{}, err
	}
	cfg.ConfiguredBy = configuredBy.String
	if configuredAt.Valid {
		cfg.ConfiguredAt = configuredAt.Time
	}
	return cfg, nil
}

func (s *PostgresStore) SetSubjectConfig(subjectID string, cfg models.SubjectConfig) error {
	res, err := s.db.Exec(`
		UPDATE authorizations
		SET auto_matting = $1, auto_upload = $2, configured_by = $3, configured_at = NOW()
		WHERE subject_id = $4 AND authorized = TRUE`,
		cfg.AutoMatting, cfg.AutoUpload, cfg.ConfiguredBy, subjectID)
	if err != nil {
		slog.Error("PostgresStore SetSubjectConfig failed", "error", err, "subjectID", subjectID)
		return fmt.Errorf("failed to set config for %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotAuthorized
	}
	slog.Debug("PostgresStore SetSubjectConfig succeeded", "subjectID", subjectID)
	return nil
}

func (s *PostgresStore) IsAdministrator(subjectID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM administrators WHERE subject_id = $1 AND active = TRUE`, subjectID).Scan(&count)
	if err != nil {
		slog.Error("PostgresStore IsAdministrator failed", "error", err, "subjectID", subjectID)
		return false, err
	}
	return count > 0, nil
}

func (s *PostgresStore) ListAdministrators() ([]models.Administrator, error) {
	rows, err := s.db.Query(`
		SELECT subject_id, name, subject_kind, active, created_at
		FROM administrators WHERE active = TRUE ORDER BY created_at`)
	if err != nil {
		slog.Error("PostgresStore ListAdministrators query failed", "error", err)
		return nil, fmt.Errorf("failed to query administrators: %w", err)
	}
	defer rows.Close()

	var admins []models.Administrator
	for rows.Next() {
		var a models.Administrator
		var kind string
		if err := rows.Scan(&a.SubjectID, &a.Name, &kind, &a.Active, &a.CreatedAt); err != nil {
			slog.Error("PostgresStore ListAdministrators scan failed", "error", err)
			return nil, err
		}
		a.SubjectKind = models.SubjectKind(kind)
		admins = append(admins, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate administrator rows: %w", err)
	}
	slog.Debug("PostgresStore ListAdministrators succeeded", "count", len(admins))
	return admins, nil
}

func (s *PostgresStore) AddAdministrator(admin models.Administrator) error {
	already, err := s.IsAdministrator(admin.SubjectID)
	if err != nil {
		return err
	}
	if already {
		return models.ErrAlreadyAdmin
	}
	query := `
		INSERT INTO administrators (subject_id, name, subject_kind, active, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			name = EXCLUDED.name,
			subject_kind = EXCLUDED.subject_kind,
			active = TRUE,
			updated_at = NOW()`
	if _, err := s.db.Exec(query, admin.SubjectID, admin.Name, string(admin.SubjectKind)); err != nil {
		slog.Error("PostgresStore AddAdministrator failed", "error", err, "subjectID", admin.SubjectID)
		return fmt.Errorf("failed to add administrator %s: %w", admin.SubjectID, err)
	}
	// Administrators are implicitly authorized; drop any plain authorization row.
	if _, err := s.db.Exec(`DELETE FROM authorizations WHERE subject_id = $1`, admin.SubjectID); err != nil {
		slog.Error("PostgresStore AddAdministrator cleanup failed", "error", err, "subjectID", admin.SubjectID)
	}
	slog.Debug("PostgresStore AddAdministrator succeeded", "subjectID", admin.SubjectID, "name", admin.Name)
	return nil
}

func (s *PostgresStore) RemoveAdministrator(subjectID string) error {
	res, err := s.db.Exec(`
		UPDATE administrators SET active = FALSE, updated_at = NOW()
		WHERE subject_id = $1 AND active = TRUE`, subjectID)
	if err != nil {
		slog.Error("PostgresStore RemoveAdministrator failed", "error", err, "subjectID", subjectID)
		return fmt.Errorf("failed to remove administrator %s: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrAdminNotFound
	}
	slog.Debug("PostgresStore RemoveAdministrator succeeded", "subjectID", subjectID)
	return nil
}

func (s *PostgresStore) UpsertPendingRequest(req models.PendingRequest) error {
	query := `
		INSERT INTO pending_requests
			(identifier, subject_id, document_type, wants_front, wants_folio, auto_matting, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
		ON CONFLICT (identifier) DO UPDATE SET
			subject_id = EXCLUDED.subject_id,
			document_type = EXCLUDED.document_type,
			wants_front = EXCLUDED.wants_front,
			wants_folio = EXCLUDED.wants_folio,
			auto_matting = EXCLUDED.auto_matting,
			attempt_count = 0,
			created_at = NOW(),
			last_attempt_at = NULL`
	_, err := s.db.Exec(query, req.Identifier, req.SubjectID, string(req.DocumentType),
		req.Options.WantsFrontMatting, req.Options.WantsFolioStamp, req.Options.AutoMatting)
	if err != nil {
		slog.Error("PostgresStore UpsertPendingRequest failed", "error", err, "identifier", req.Identifier)
		return fmt.Errorf("failed to upsert pending request %s: %w", req.Identifier, err)
	}
	slog.Debug("PostgresStore UpsertPendingRequest succeeded", "identifier", req.Identifier, "subjectID", req.SubjectID)
	return nil
}

func (s *PostgresStore) GetPendingRequest(identifier string) (*models.PendingRequest, error) {
	row := s.db.QueryRow(`
		SELECT identifier, subject_id, document_type, wants_front, wants_folio, auto_matting,
		       attempt_count, created_at, last_attempt_at
		FROM pending_requests WHERE identifier = $1`, identifier)
	req, err := scanPendingRequest(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetPendingRequest not found", "identifier", identifier)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPendingRequest failed", "error", err, "identifier", identifier)
		return nil, err
	}
	return &req, nil
}

func (s *PostgresStore) DeletePendingRequest(identifier string) error {
	_, err := s.db.Exec(`DELETE FROM pending_requests WHERE identifier = $1`, identifier)
	if err != nil {
		slog.Error("PostgresStore DeletePendingRequest failed", "error", err, "identifier", identifier)
		return fmt.Errorf("failed to delete pending request %s: %w", identifier, err)
	}
	slog.Debug("PostgresStore DeletePendingRequest succeeded", "identifier", identifier)
	return nil
}

func (s *PostgresStore) IncrementAllAttempts() (int, error) {
	res, err := s.db.Exec(`
		UPDATE pending_requests
		SET attempt_count = attempt_count + 1, last_attempt_at = NOW()`)
	if err != nil {
		slog.Error("PostgresStore IncrementAllAttempts failed", "error", err)
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) EvictExpired(ttl time.Duration, maxAttempts int) (int, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.Exec(`
		DELETE FROM pending_requests
		WHERE created_at < $1 OR attempt_count > $2`, cutoff, maxAttempts)
	if err != nil {
		slog.Error("PostgresStore EvictExpired failed", "error", err)
		return 0, fmt.Errorf("failed to evict expired requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("PostgresStore EvictExpired removed entries", "count", n)
	}
	return int(n), nil
}

func (s *PostgresStore) CountPendingRequests() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_requests`).Scan(&count); err != nil {
		slog.Error("PostgresStore CountPendingRequests failed", "error", err)
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) ListPendingRequests() ([]models.PendingRequest, error) {
	rows, err := s.db.Query(`
		SELECT identifier, subject_id, document_type, wants_front, wants_folio, auto_matting,
		       attempt_count, created_at, last_attempt_at
		FROM pending_requests ORDER BY created_at`)
	if err != nil {
		slog.Error("PostgresStore ListPendingRequests query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.PendingRequest
	for rows.Next() {
		req, err := scanPendingRequest(rows)
		if err != nil {
			slog.Error("PostgresStore ListPendingRequests scan failed", "error", err)
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending request rows: %w", err)
	}
	return reqs, nil
}

func (s *PostgresStore) AppendRequest(entry models.LedgerEntry) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`
	_, err := s.db.Exec(query, entry.Identifier, entry.SubjectID, entry.DisplayName,
		string(entry.DocumentType), entry.Options.WantsFrontMatting, entry.Options.WantsFolioStamp,
		entry.Options.AutoMatting, entry.Authorized, string(status))
	if err != nil {
		slog.Error("PostgresStore AppendRequest failed", "error", err, "identifier", entry.Identifier)
		return fmt.Errorf("failed to append ledger entry %s: %w", entry.Identifier, err)
	}
	slog.Debug("PostgresStore AppendRequest succeeded", "identifier", entry.Identifier, "status", status)
	return nil
}

func (s *PostgresStore) MarkCompleted(identifier, subjectID string) (bool, error) {
	// Only the newest non-terminal matching row advances; older rows remain
	// as audit history.
	query := `
		UPDATE request_ledger
		SET status = $1, completed_at = NOW()
		WHERE id = (
			SELECT id FROM request_ledger
			WHERE identifier = $2 AND subject_id = $3 AND status IN ($4, $5)
			ORDER BY submitted_at DESC, id DESC
			LIMIT 1
		)`
	res, err := s.db.Exec(query, string(models.LedgerStatusCompleted), identifier, subjectID,
		string(models.LedgerStatusPending), string(models.LedgerStatusProcessing))
	if err != nil {
		slog.Error("PostgresStore MarkCompleted failed", "error", err, "identifier", identifier)
		return false, fmt.Errorf("failed to mark %s completed: %w", identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	slog.Debug("PostgresStore MarkCompleted", "identifier", identifier, "subjectID", subjectID, "updated", n > 0)
	return n > 0, nil
}

func (s *PostgresStore) CountRequests() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_ledger`).Scan(&count); err != nil {
		slog.Error("PostgresStore CountRequests failed", "error", err)
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) IncrementCounter(subjectID, displayName string) error {
	query := `
		INSERT INTO counters (subject_id, display_name, total_documents, first_at, last_at)
		VALUES ($1, $2, 1, NOW(), NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			total_documents = counters.total_documents + 1,
			display_name = EXCLUDED.display_name,
			last_at = NOW()`
	if _, err := s.db.Exec(query, subjectID, displayName); err != nil {
		slog.Error("PostgresStore IncrementCounter failed", "error", err, "subjectID", subjectID)
		return fmt.Errorf("failed to increment counter for %s: %w", subjectID, err)
	}
	slog.Debug("PostgresStore IncrementCounter succeeded", "subjectID", subjectID)
	return nil
}

func (s *PostgresStore) ResetCounters() (int, error) {
	res, err := s.db.Exec(`DELETE FROM counters`)
	if err != nil {
		slog.Error("PostgresStore ResetCounters failed", "error", err)
		return 0, fmt.Errorf("failed to reset counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Info("PostgresStore ResetCounters succeeded", "removed", n)
	return int(n), nil
}

func (s *PostgresStore) ListCounters() ([]models.CounterEntry, error) {
	rows, err := s.db.Query(`
		SELECT subject_id, COALESCE(display_name, ''), total_documents, first_at, last_at
		FROM counters ORDER BY total_documents DESC`)
	if err != nil {
		slog.Error("PostgresStore ListCounters query failed", "error", err)
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	var counters []models.CounterEntry
	for rows.Next() {
		var c models.CounterEntry
		var firstAt, lastAt sql.NullTime
		if err := rows.Scan(&c.SubjectID, &c.DisplayName, &c.TotalDocuments, &firstAt, &lastAt); err != nil {
			slog.Error("PostgresStore ListCounters scan failed", "error", err)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
