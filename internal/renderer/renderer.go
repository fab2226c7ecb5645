// Package renderer talks to the external document rendering service that
// turns a submitted identifier into a finished PDF.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/DocPipe/internal/models"
)

// Constants for renderer configuration
const (
	// DefaultTimeout bounds a single render call. Rendering involves browser
	// automation on the other side, so this is deliberately generous.
	DefaultTimeout = 60 * time.Second
	// renderEndpoint is the rendering service message endpoint
	renderEndpoint = "/api/mensaje_whatsapp"
)

// Request describes one document to render. Field names are the rendering
// service's wire contract.
type Request struct {
	Message      string `json:"mensaje"`
	Sender       string `json:"remitente"`
	Name         string `json:"nombre"`
	OriginalFile string `json:"archivo_original,omitempty"`
	DocumentType string `json:"tipo_acta"`
	ApplyFolio   bool   `json:"aplicar_folio"`
	AutoMatting  bool   `json:"esGrupoAutoMarco"`
}

// Result is the rendering service's response.
type Result struct {
	Success bool   `json:"success"`
	PDFPath string `json:"pdf_path,omitempty"`
	Message string `json:"message,omitempty"`
}

// Renderer submits render requests to the document rendering service.
type Renderer interface {
	Render(ctx context.Context, req Request) (Result, error)
}

// Opts holds configuration options for the HTTP renderer client.
type Opts struct {
	BaseURL string
	Timeout time.Duration
}

// Option defines a configuration option for the HTTP renderer client.
type Option func(*Opts)

// WithBaseURL sets the rendering service base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// Client is the HTTP implementation of Renderer.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a renderer client for the given service base URL.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("renderer base URL not set")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	slog.Debug("Renderer NewClient", "baseURL", cfg.BaseURL, "timeout", timeout)
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Render submits one render request and decodes the service's verdict.
// A reachable service that reports failure yields ErrRenderFailed.
func (c *Client) Render(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode render request: %w", err)
	}

	url := c.baseURL + renderEndpoint
	slog.Debug("Renderer submitting request", "url", url, "identifier", req.Message, "documentType", req.DocumentType)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("Renderer request failed", "error", err, "identifier", req.Message)
		return Result{}, fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("Renderer returned non-OK status", "status", resp.StatusCode, "identifier", req.Message)
		return Result{}, fmt.Errorf("render service returned status %d: %w", resp.StatusCode, models.ErrRenderFailed)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("failed to decode render response: %w", err)
	}
	if !result.Success {
		slog.Warn("Renderer reported failure", "identifier", req.Message, "message", result.Message)
		return result, fmt.Errorf("render rejected: %s: %w", result.Message, models.ErrRenderFailed)
	}

	slog.Debug("Renderer request succeeded", "identifier", req.Message, "pdfPath", result.PDFPath)
	return result, nil
}

// MockRenderer implements Renderer in memory for tests.
type MockRenderer struct {
	Requests []Request
	// Result and Err are returned by every Render call.
	Result Result
	Err    error
}

// NewMockRenderer creates a MockRenderer that always succeeds.
func NewMockRenderer() *MockRenderer {
	return &MockRenderer{Result: Result{Success: true}}
}

func (m *MockRenderer) Render(ctx context.Context, req Request) (Result, error) {
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return Result{}, m.Err
	}
	return m.Result, nil
}
