// Package messaging defines the pluggable message delivery abstraction used
// by the rest of DocPipe and its WhatsApp-backed implementation.
package messaging

import (
	"context"

	"github.com/BTreeMap/DocPipe/internal/models"
)

// Service defines a pluggable message delivery abstraction.
// It supports sending text and document messages and provides a channel of
// incoming chat messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendDocument sends a file as a document attachment to a recipient.
	SendDocument(ctx context.Context, to string, filename, mimetype string, data []byte, caption string) error

	// GroupMetadata fetches the display name and participant count of a group chat.
	GroupMetadata(ctx context.Context, groupJID string) (name string, participants int, err error)

	// Ready reports whether the service currently has a live connection.
	// Delivery work pauses while the service is not ready.
	Ready() bool

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of incoming chat messages.
	Messages() <-chan models.IncomingMessage
}
