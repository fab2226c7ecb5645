package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/DocPipe/internal/models"
)

// SentMessage records one text message sent through a MockService.
type SentMessage struct {
	To   string
	Body string
}

// SentDocument records one document sent through a MockService.
type SentDocument struct {
	To       string
	Filename string
	Mimetype string
	Size     int
	Caption  string
}

// MockService implements Service in memory for tests. It records everything
// sent and lets tests inject incoming messages and failures.
type MockService struct {
	mu        sync.Mutex
	messages  chan models.IncomingMessage
	sent      []SentMessage
	documents []SentDocument
	ready     bool

	// SendErr, when set, is returned by SendMessage and SendDocument.
	SendErr error
	// FailDestinations lists recipients whose sends fail with SendErr
	// (or a generic error when SendErr is nil).
	FailDestinations map[string]bool
}

// NewMockService creates a ready MockService.
func NewMockService() *MockService {
	return &MockService{
		messages: make(chan models.IncomingMessage, DefaultChannelBufferSize),
		ready:    true,
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}
	return strings.TrimPrefix(recipient, "+") + "@s.whatsapp.net", nil
}

func (m *MockService) failFor(to string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	if m.FailDestinations[to] {
		return errors.New("mock send failure")
	}
	return nil
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(to); err != nil {
		return err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockService) SendDocument(ctx context.Context, to string, filename, mimetype string, data []byte, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(to); err != nil {
		return err
	}
	m.documents = append(m.documents, SentDocument{
		To: to, Filename: filename, Mimetype: mimetype, Size: len(data), Caption: caption,
	})
	return nil
}

func (m *MockService) GroupMetadata(ctx context.Context, groupJID string) (string, int, error) {
	return "Mock Group", 1, nil
}

func (m *MockService) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// SetReady toggles the readiness flag.
func (m *MockService) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.messages)
	return nil
}

func (m *MockService) Messages() <-chan models.IncomingMessage {
	return m.messages
}

// Inject delivers an incoming message to consumers of Messages.
func (m *MockService) Inject(msg models.IncomingMessage) {
	m.messages <- msg
}

// Sent returns a copy of all recorded text messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Documents returns a copy of all recorded document sends.
func (m *MockService) Documents() []SentDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentDocument, len(m.documents))
	copy(out, m.documents)
	return out
}

// Reset clears the recorded sends.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.documents = nil
}

var _ Service = (*MockService)(nil)
