package store

import (
	"database/sql"
	"time"

	"github.com/BTreeMap/DocPipe/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows so scan helpers can serve both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuthorization(r rowScanner) (models.Authorization, error) {
	var a models.Authorization
	var kind string
	var authorizedBy, configuredBy sql.NullString
	var authorizedAt, configuredAt sql.NullTime
	err := r.Scan(&a.SubjectID, &kind, &authorizedBy, &authorizedAt,
		&a.Config.AutoMatting, &a.Config.AutoUpload, &configuredBy, &configuredAt,
		&a.GroupName)
	if err != nil {
		return models.Authorization{}, err
	}
	a.SubjectKind = models.SubjectKind(kind)
	a.Authorized = true
	a.AuthorizedBy = authorizedBy.String
	if authorizedAt.Valid {
		a.AuthorizedAt = authorizedAt.Time
	}
	a.Config.ConfiguredBy = configuredBy.String
	if configuredAt.Valid {
		a.Config.ConfiguredAt = configuredAt.Time
	}
	return a, nil
}

func scanPendingRequest(r rowScanner) (models.PendingRequest, error) {
	var req models.PendingRequest
	var docType string
	var createdAt time.Time
	var lastAttemptAt sql.NullTime
	err := r.Scan(&req.Identifier, &req.SubjectID, &docType,
		&req.Options.WantsFrontMatting, &req.Options.WantsFolioStamp, &req.Options.AutoMatting,
		&req.AttemptCount, &createdAt, &lastAttemptAt)
	if err != nil {
		return models.PendingRequest{}, err
	}
	req.DocumentType = models.DocumentType(docType)
	req.CreatedAt = createdAt
	if lastAttemptAt.Valid {
		req.LastAttemptAt = lastAttemptAt.Time
	}
	return req, nil
}
