package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/DocPipe/internal/models"
	"github.com/BTreeMap/DocPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the incoming message channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	messages chan models.IncomingMessage
	ready    atomic.Bool
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		messages: make(chan models.IncomingMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		// Mocks have no connection lifecycle, treat them as always ready.
		service.ready.Store(true)
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient accepts full JIDs (user or group) as-is and
// turns bare phone numbers into user JIDs.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	if strings.Contains(recipient, "@") {
		if _, err := whatsapp.ParseRecipientJID(recipient); err != nil {
			return "", err
		}
		return recipient, nil
	}
	cleaned := strings.TrimPrefix(recipient, "+")
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid recipient %q: not a phone number or JID", recipient)
		}
	}
	return cleaned + "@" + whatsapp.JIDSuffix, nil
}

// Start begins background processing (e.g., event handling).
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient != nil {
		slog.Debug("WhatsAppService starting event handler")
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}

	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	s.ready.Store(false)
	close(s.done)
	close(s.messages)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Ready reports whether the WhatsApp connection is currently established.
func (s *WhatsAppService) Ready() bool {
	return s.ready.Load()
}

// SendMessage sends a text message to the given recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "body_length", len(body))
	err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", to)
	return nil
}

// SendDocument sends a file as a document attachment to the given recipient.
func (s *WhatsAppService) SendDocument(ctx context.Context, to string, filename, mimetype string, data []byte, caption string) error {
	slog.Debug("WhatsAppService SendDocument invoked", "to", to, "filename", filename, "size", len(data))
	err := s.client.SendDocument(ctx, to, filename, mimetype, data, caption)
	if err != nil {
		slog.Error("WhatsAppService SendDocument error", "error", err, "to", to, "filename", filename)
		return err
	}
	slog.Info("WhatsAppService document sent", "to", to, "filename", filename)
	return nil
}

// GroupMetadata fetches the name and participant count of a group chat.
func (s *WhatsAppService) GroupMetadata(ctx context.Context, groupJID string) (string, int, error) {
	if s.waClient == nil {
		return "", 0, models.ErrServiceNotReady
	}
	return s.waClient.GroupMetadata(ctx, groupJID)
}

// Messages returns a channel of incoming chat messages.
func (s *WhatsAppService) Messages() <-chan models.IncomingMessage {
	return s.messages
}

// handleEvents processes WhatsApp events and feeds them into the message channel
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	slog.Debug("WhatsAppService handleEvents starting")

	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Connected:
			s.ready.Store(true)
			slog.Info("WhatsAppService connected, delivery resumed")
		case *events.Disconnected:
			s.ready.Store(false)
			slog.Warn("WhatsAppService disconnected, delivery paused")
		case *events.LoggedOut:
			s.ready.Store(false)
			slog.Error("WhatsAppService logged out, re-login required")
		default:
			// Ignore other event types
			slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
		}
	})

	slog.Debug("WhatsAppService event handler registered")

	// Keep handler running until context is cancelled
	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage processes incoming text messages from chats
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}
	if evt.Info.IsFromMe {
		return
	}

	// Extract text content
	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	} else {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.IncomingMessage{
		From:    evt.Info.Sender.String(),
		Chat:    evt.Info.Chat.String(),
		Name:    evt.Info.PushName,
		Body:    messageText,
		IsGroup: evt.Info.IsGroup,
		Time:    evt.Info.Timestamp.Unix(),
	}

	slog.Debug("WhatsAppService processing incoming message", "from", msg.From, "chat", msg.Chat, "body_length", len(msg.Body))

	// Send to messages channel (non-blocking)
	select {
	case s.messages <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Message:
		return "Message"
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
