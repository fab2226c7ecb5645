// Package models defines the core data structures for DocPipe.
//
// It includes types for pending document requests, the request ledger,
// delivery counters, and the cross-process mailbox records shared with the
// external admin panel.
package models

import (
	"errors"
	"time"
)

// SubjectKind distinguishes individual chat users from group chats.
type SubjectKind string

const (
	// SubjectKindUser is a direct (one-to-one) chat participant.
	SubjectKindUser SubjectKind = "usuario"
	// SubjectKindGroup is a group chat.
	SubjectKindGroup SubjectKind = "grupo"
)

// DocumentType identifies the kind of certificate being requested.
type DocumentType string

const (
	DocumentTypeBirth    DocumentType = "nacimiento"
	DocumentTypeMarriage DocumentType = "matrimonio"
	DocumentTypeDeath    DocumentType = "defuncion"
	DocumentTypeDivorce  DocumentType = "divorcio"
)

// LedgerStatus is the lifecycle state of a request ledger row. The values are
// part of the storage contract shared with the external admin panel and only
// ever advance forward.
type LedgerStatus string

const (
	LedgerStatusPending    LedgerStatus = "pendiente"
	LedgerStatusRejected   LedgerStatus = "rechazado"
	LedgerStatusProcessing LedgerStatus = "procesando"
	LedgerStatusCompleted  LedgerStatus = "completado"
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient      = errors.New("recipient cannot be empty")
	ErrEmptyIdentifier     = errors.New("identifier cannot be empty")
	ErrStoreNotConnected   = errors.New("store not connected")
	ErrNoAdministrators    = errors.New("no administrators available")
	ErrRenderFailed        = errors.New("rendering failed")
	ErrServiceNotReady     = errors.New("messaging endpoint not ready")
	ErrAlreadyAdmin        = errors.New("subject is already an administrator")
	ErrNotAuthorized       = errors.New("subject is not authorized")
	ErrAdminSelfRemoval    = errors.New("administrators cannot remove themselves")
	ErrAdminNotFound       = errors.New("administrator not found")
	ErrInvalidDocumentType = errors.New("invalid document type")
)

// IsValidDocumentType checks if the given document type is supported.
func IsValidDocumentType(dt DocumentType) bool {
	switch dt {
	case DocumentTypeBirth, DocumentTypeMarriage, DocumentTypeDeath, DocumentTypeDivorce:
		return true
	default:
		return false
	}
}

// FormatOptions carries the formatting preferences attached to a request.
type FormatOptions struct {
	WantsFrontMatting bool `json:"wants_front_matting"`
	WantsFolioStamp   bool `json:"wants_folio_stamp"`
	AutoMatting       bool `json:"auto_matting"`
}

// PendingRequest is an IdentifierRegistry entry: a submitted identifier
// awaiting its rendered output file. At most one entry exists per identifier;
// the latest submission replaces any prior one.
type PendingRequest struct {
	Identifier    string        `json:"identifier"`
	SubjectID     string        `json:"subject_id"`
	DocumentType  DocumentType  `json:"document_type"`
	Options       FormatOptions `json:"options"`
	AttemptCount  int           `json:"attempt_count"`
	CreatedAt     time.Time     `json:"created_at"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
}

// LedgerEntry is one append-only row of the request ledger. Every valid
// inbound submission produces a row, authorized or not.
type LedgerEntry struct {
	ID           int64         `json:"id"`
	Identifier   string        `json:"identifier"`
	SubjectID    string        `json:"subject_id"`
	DisplayName  string        `json:"display_name"`
	DocumentType DocumentType  `json:"document_type"`
	Options      FormatOptions `json:"options"`
	Authorized   bool          `json:"authorized"`
	Status       LedgerStatus  `json:"status"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// CounterEntry tracks per-requester delivery totals for reporting.
type CounterEntry struct {
	SubjectID      string    `json:"subject_id"`
	DisplayName    string    `json:"display_name"`
	TotalDocuments int       `json:"total_documents"`
	FirstAt        time.Time `json:"first_at"`
	LastAt         time.Time `json:"last_at"`
}

// Group is a registered group chat.
type Group struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ParticipantCount int       `json:"participant_count"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// Authorization records whether a subject may submit requests, plus its
// per-subject processing configuration.
type Authorization struct {
	SubjectID    string      `json:"subject_id"`
	SubjectKind  SubjectKind `json:"subject_kind"`
	Authorized   bool        `json:"authorized"`
	AuthorizedBy string      `json:"authorized_by"`
	AuthorizedAt time.Time   `json:"authorized_at"`
	Config       SubjectConfig
	GroupName    string `json:"group_name,omitempty"` // denormalized from groups
}

// SubjectConfig holds the special per-subject flags set from the admin panel.
type SubjectConfig struct {
	AutoMatting  bool      `json:"auto_matting"`
	AutoUpload   bool      `json:"auto_upload"`
	ConfiguredBy string    `json:"configured_by,omitempty"`
	ConfiguredAt time.Time `json:"configured_at,omitempty"`
}

// Administrator is a subject allowed to issue chat commands.
type Administrator struct {
	SubjectID   string      `json:"subject_id"`
	Name        string      `json:"name"`
	SubjectKind SubjectKind `json:"subject_kind"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
}

// IncomingMessage is an inbound chat message delivered by the messaging
// service.
type IncomingMessage struct {
	From    string `json:"from"`    // sender JID
	Chat    string `json:"chat"`    // chat JID (differs from From in groups)
	Name    string `json:"name"`    // push name, may be empty
	Body    string `json:"body"`    // text content
	IsGroup bool   `json:"is_group"`
	Time    int64  `json:"time"` // unix seconds
}

// Mailbox record types. Field names are the JSON contract written by the
// external admin panel process; do not rename.

// DeletionRequest asks the pipeline to drop a registry entry.
type DeletionRequest struct {
	Identifier string `json:"identificador"`
}

// Notification is a one-shot outbound message written as its own file.
type Notification struct {
	Destination string `json:"destinatario"`
	Body        string `json:"mensaje"`
	Identifier  string `json:"identificador,omitempty"`
	Processed   bool   `json:"procesado"`
}

// QueuedMessage is one entry of the ordered outbound message list.
type QueuedMessage struct {
	Destination string `json:"destinatario"`
	Body        string `json:"mensaje"`
	Identifier  string `json:"identificador,omitempty"`
}
