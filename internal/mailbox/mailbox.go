// Package mailbox drains the filesystem mailboxes written by the external
// admin panel process: registry deletions, one-shot notifications, and the
// ordered outbound message list.
//
// The writer has no temp-then-rename guard, so every drain tolerates missing,
// empty, and partially written files: unparseable content is logged and left
// in place for the next tick.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/DocPipe/internal/messaging"
	"github.com/BTreeMap/DocPipe/internal/models"
	"github.com/BTreeMap/DocPipe/internal/store"
)

// Constants for mailbox file names and configuration
const (
	// DeletionFile lists registry entries the admin panel wants dropped
	DeletionFile = "eliminaciones_pendientes.json"
	// QueuedMessagesFile is the ordered outbound message list
	QueuedMessagesFile = "mensajes_pendientes.json"
	// NotificationGlob matches one-shot notification files
	NotificationGlob = "notif_temp_*.json"
	// DefaultMessagePause separates consecutive queued-message sends
	DefaultMessagePause = 1 * time.Second
)

// Opts holds configuration options for the inbox.
type Opts struct {
	MessagePause time.Duration
}

// Option defines a configuration option for the inbox.
type Option func(*Opts)

// WithMessagePause overrides the pause between queued-message sends.
func WithMessagePause(d time.Duration) Option {
	return func(o *Opts) {
		o.MessagePause = d
	}
}

// Inbox drains the admin panel mailboxes in a shared directory.
type Inbox struct {
	dir          string
	store        store.Store
	msgService   messaging.Service
	messagePause time.Duration
}

// NewInbox creates an inbox rooted at dir.
func NewInbox(dir string, st store.Store, msgService messaging.Service, opts ...Option) *Inbox {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	pause := cfg.MessagePause
	if pause == 0 {
		pause = DefaultMessagePause
	}
	return &Inbox{
		dir:          dir,
		store:        st,
		msgService:   msgService,
		messagePause: pause,
	}
}

// DrainDeletions reads the deletion mailbox, removes each listed identifier
// from the pending registry, then removes the file. On a store error the file
// stays for the next tick; deletions are idempotent so replays are harmless.
func (in *Inbox) DrainDeletions(ctx context.Context) (int, error) {
	path := filepath.Join(in.dir, DeletionFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read deletion mailbox: %w", err)
	}

	var requests []models.DeletionRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		// Likely a partial write by the admin panel; retry next tick.
		slog.Warn("Inbox.DrainDeletions: unparseable mailbox, leaving in place", "error", err, "path", path)
		return 0, nil
	}

	for _, req := range requests {
		if req.Identifier == "" {
			continue
		}
		if err := in.store.DeletePendingRequest(req.Identifier); err != nil {
			slog.Error("Inbox.DrainDeletions: delete failed, mailbox kept", "error", err, "identifier", req.Identifier)
			return 0, fmt.Errorf("failed to apply deletion for %s: %w", req.Identifier, err)
		}
		slog.Info("Inbox.DrainDeletions: registry entry removed", "identifier", req.Identifier)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Inbox.DrainDeletions: failed to remove mailbox", "error", err, "path", path)
	}
	return len(requests), nil
}

// DrainNotifications processes every one-shot notification file. A file
// already marked procesado is deleted without resending; otherwise the file
// is first rewritten with procesado set, then sent, then deleted, so a crash
// between send and delete can never cause a duplicate send.
func (in *Inbox) DrainNotifications(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(in.dir, NotificationGlob))
	if err != nil {
		return 0, fmt.Errorf("failed to glob notification mailbox: %w", err)
	}

	sent := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Error("Inbox.DrainNotifications: read failed", "error", err, "path", path)
			continue
		}

		var notif models.Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			slog.Warn("Inbox.DrainNotifications: unparseable file, leaving in place", "error", err, "path", path)
			continue
		}

		if notif.Processed {
			slog.Debug("Inbox.DrainNotifications: already processed, deleting without send", "path", path)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Warn("Inbox.DrainNotifications: failed to remove processed file", "error", err, "path", path)
			}
			continue
		}
		if notif.Destination == "" || notif.Body == "" {
			slog.Warn("Inbox.DrainNotifications: incomplete notification, deleting", "path", path)
			os.Remove(path)
			continue
		}

		notif.Processed = true
		if marked, err := json.Marshal(notif); err == nil {
			if err := os.WriteFile(path, marked, 0644); err != nil {
				slog.Warn("Inbox.DrainNotifications: failed to mark processed", "error", err, "path", path)
			}
		}

		if err := in.msgService.SendMessage(ctx, notif.Destination, notif.Body); err != nil {
			// File is already marked processed; next tick deletes it without
			// a resend. Losing one notification beats duplicating it.
			slog.Error("Inbox.DrainNotifications: send failed", "error", err, "destination", notif.Destination)
			continue
		}
		sent++
		slog.Info("Inbox.DrainNotifications: notification sent", "destination", notif.Destination, "identifier", notif.Identifier)

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Inbox.DrainNotifications: failed to remove file after send", "error", err, "path", path)
		}
	}
	return sent, nil
}

// DrainQueuedMessages sends the ordered message list with a pause between
// sends, then rewrites the file to hold only the entries that failed, in
// their original order. An all-success drain rewrites an empty list rather
// than deleting: the file's existence is a contract the writer relies on.
func (in *Inbox) DrainQueuedMessages(ctx context.Context) (int, error) {
	path := filepath.Join(in.dir, QueuedMessagesFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read queued-message mailbox: %w", err)
	}

	var queued []models.QueuedMessage
	if err := json.Unmarshal(data, &queued); err != nil {
		slog.Warn("Inbox.DrainQueuedMessages: unparseable mailbox, leaving in place", "error", err, "path", path)
		return 0, nil
	}
	if len(queued) == 0 {
		return 0, nil
	}

	var failed []models.QueuedMessage
	sent := 0
	for i, msg := range queued {
		if msg.Destination == "" || msg.Body == "" {
			slog.Warn("Inbox.DrainQueuedMessages: skipping incomplete entry", "index", i)
			continue
		}
		if err := in.msgService.SendMessage(ctx, msg.Destination, msg.Body); err != nil {
			slog.Error("Inbox.DrainQueuedMessages: send failed, will retry next tick", "error", err, "destination", msg.Destination)
			failed = append(failed, msg)
		} else {
			sent++
			slog.Info("Inbox.DrainQueuedMessages: message sent", "destination", msg.Destination, "identifier", msg.Identifier)
		}
		if i < len(queued)-1 {
			select {
			case <-ctx.Done():
				// Keep everything not yet attempted for the next tick.
				failed = append(failed, queued[i+1:]...)
				return sent, in.rewriteQueued(path, failed)
			case <-time.After(in.messagePause):
			}
		}
	}

	return sent, in.rewriteQueued(path, failed)
}

func (in *Inbox) rewriteQueued(path string, remaining []models.QueuedMessage) error {
	if remaining == nil {
		remaining = []models.QueuedMessage{}
	}
	data, err := json.MarshalIndent(remaining, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queued-message mailbox: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to rewrite queued-message mailbox: %w", err)
	}
	slog.Debug("Inbox.DrainQueuedMessages: mailbox rewritten", "remaining", len(remaining))
	return nil
}
