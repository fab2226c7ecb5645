// Package delivery owns the drop-directory queue: detecting rendered
// document files, routing each one to its registered requester, and the
// crash-safe cleanup that follows a successful send.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/DocPipe/internal/identifier"
	"github.com/BTreeMap/DocPipe/internal/messaging"
	"github.com/BTreeMap/DocPipe/internal/models"
	"github.com/BTreeMap/DocPipe/internal/renderer"
	"github.com/BTreeMap/DocPipe/internal/store"
	"github.com/BTreeMap/DocPipe/internal/util"
)

// Constants for delivery queue configuration
const (
	// DefaultExtension is the file extension handled by the queue
	DefaultExtension = ".pdf"
	// DefaultFilePause separates consecutive file deliveries
	DefaultFilePause = 500 * time.Millisecond
	// DefaultTempGrace delays deletion of rendered temp output so the
	// messaging layer finishes streaming it first
	DefaultTempGrace = 3 * time.Second
	// DefaultRenderTimeout bounds one rendering call
	DefaultRenderTimeout = 60 * time.Second
	// documentMimetype is the MIME type for delivered documents
	documentMimetype = "application/pdf"
)

// excludePatterns are filename shapes that never enter the queue: backups,
// matting intermediates, and files mid-processing by the rendering side.
var excludePatterns = []string{"backup_*", "enmarcado_*", "*_temp_*", "*_processed_*"}

// Opts holds configuration options for the delivery queue.
type Opts struct {
	DropDir       string
	Extension     string
	FilePause     time.Duration
	TempGrace     time.Duration
	RenderTimeout time.Duration
}

// Option defines a configuration option for the delivery queue.
type Option func(*Opts)

// WithDropDir sets the directory scanned for finished documents.
func WithDropDir(dir string) Option {
	return func(o *Opts) {
		o.DropDir = dir
	}
}

// WithFilePause overrides the pause between consecutive file deliveries.
func WithFilePause(d time.Duration) Option {
	return func(o *Opts) {
		o.FilePause = d
	}
}

// WithTempGrace overrides the rendered-temp deletion grace delay.
func WithTempGrace(d time.Duration) Option {
	return func(o *Opts) {
		o.TempGrace = d
	}
}

// WithRenderTimeout overrides the per-render timeout.
func WithRenderTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RenderTimeout = d
	}
}

// queueItem is one detected drop file awaiting delivery.
type queueItem struct {
	path       string
	name       string
	identifier string
}

// Queue detects finished document files and delivers them FIFO, one file
// fully to completion before the next.
type Queue struct {
	store      store.Store
	msgService messaging.Service
	renderer   renderer.Renderer
	extractor  *identifier.Extractor

	dropDir       string
	extension     string
	filePause     time.Duration
	tempGrace     time.Duration
	renderTimeout time.Duration

	mu     sync.Mutex
	queued map[string]struct{} // filenames in the queue or in flight
	items  []queueItem

	draining atomic.Bool
}

// NewQueue creates a delivery queue over the given drop directory.
func NewQueue(st store.Store, msgService messaging.Service, rend renderer.Renderer, opts ...Option) (*Queue, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DropDir == "" {
		return nil, fmt.Errorf("drop directory not set")
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.FilePause == 0 {
		cfg.FilePause = DefaultFilePause
	}
	if cfg.TempGrace == 0 {
		cfg.TempGrace = DefaultTempGrace
	}
	if cfg.RenderTimeout == 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	return &Queue{
		store:         st,
		msgService:    msgService,
		renderer:      rend,
		extractor:     identifier.NewExtractor(identifier.DefaultPatterns()...),
		dropDir:       cfg.DropDir,
		extension:     cfg.Extension,
		filePause:     cfg.FilePause,
		tempGrace:     cfg.TempGrace,
		renderTimeout: cfg.RenderTimeout,
		queued:        make(map[string]struct{}),
	}, nil
}

// excluded reports whether a filename matches any of the exclusion patterns.
func excluded(name string) bool {
	for _, pattern := range excludePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Detect scans the drop directory and enqueues new deliverable files.
// It returns the number of files newly enqueued.
func (q *Queue) Detect() (int, error) {
	entries, err := os.ReadDir(q.dropDir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan drop directory: %w", err)
	}

	added := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), q.extension) {
			continue
		}
		if excluded(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("Queue.Detect: stat failed", "error", err, "name", name)
			continue
		}
		if info.Size() == 0 {
			slog.Debug("Queue.Detect: skipping zero-byte file", "name", name)
			continue
		}

		id := q.extractor.FirstFromFilename(name)
		if id == "" {
			slog.Warn("Queue.Detect: no identifier in filename, leaving on disk", "name", name)
			continue
		}

		q.mu.Lock()
		if _, exists := q.queued[name]; exists {
			q.mu.Unlock()
			continue
		}
		q.queued[name] = struct{}{}
		q.items = append(q.items, queueItem{
			path:       filepath.Join(q.dropDir, name),
			name:       name,
			identifier: id,
		})
		q.mu.Unlock()

		added++
		slog.Info("Queue.Detect: file enqueued", "name", name, "identifier", id)
	}
	return added, nil
}

// Depth returns the number of files currently queued or in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// pop removes and returns the head of the queue.
func (q *Queue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// release drops a filename from the queued set so a later Detect can pick
// the file up again if it is still on disk.
func (q *Queue) release(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, name)
}

// Drain processes the queue FIFO until empty. It is single-flight: a call
// while another drain is active is a silent no-op, but the active run still
// observes items enqueued mid-run. When the messaging service is not ready
// the drain is also a no-op and files stay queued.
func (q *Queue) Drain(ctx context.Context) {
	if !q.msgService.Ready() {
		slog.Debug("Queue.Drain: messaging service not ready, delivery paused")
		return
	}
	if !q.draining.CompareAndSwap(false, true) {
		slog.Debug("Queue.Drain: already draining, skipping")
		return
	}
	defer q.draining.Store(false)

	processed := 0
	for {
		if ctx.Err() != nil {
			slog.Debug("Queue.Drain: context cancelled, stopping")
			return
		}
		if !q.msgService.Ready() {
			slog.Warn("Queue.Drain: connection lost mid-drain, pausing delivery")
			return
		}
		item, ok := q.pop()
		if !ok {
			break
		}
		if processed > 0 {
			select {
			case <-ctx.Done():
				q.release(item.name)
				return
			case <-time.After(q.filePause):
			}
		}
		q.deliverFile(ctx, item)
		processed++
	}
	if processed > 0 {
		slog.Info("Queue.Drain: drain pass finished", "processed", processed)
	}
}

// deliverFile runs one file through the full per-file protocol. Failures
// release the file back for the next tick; nothing here may panic or escape.
func (q *Queue) deliverFile(ctx context.Context, item queueItem) {
	if _, err := os.Stat(item.path); os.IsNotExist(err) {
		slog.Debug("Queue.deliverFile: file vanished before delivery", "name", item.name)
		q.release(item.name)
		return
	}

	req, err := q.store.GetPendingRequest(item.identifier)
	if err != nil {
		slog.Error("Queue.deliverFile: registry lookup failed", "error", err, "identifier", item.identifier)
		q.release(item.name)
		return
	}

	var recipient, displayName string
	var options models.FormatOptions
	docType := identifier.ParseDocumentType(item.name)
	fallbackRouted := false
	if req != nil {
		recipient = req.SubjectID
		options = req.Options
		docType = req.DocumentType
		if group, err := q.store.GetGroup(req.SubjectID); err == nil && group != nil {
			displayName = group.Name
		}
	} else {
		// No registered recipient: route to the first administrator with
		// plain options and tell every administrator what happened.
		admins, err := q.store.ListAdministrators()
		if err != nil {
			slog.Error("Queue.deliverFile: administrator lookup failed", "error", err, "name", item.name)
			q.release(item.name)
			return
		}
		if len(admins) == 0 {
			slog.Warn("Queue.deliverFile: no registered recipient and no administrators, file left on disk", "name", item.name, "identifier", item.identifier)
			q.release(item.name)
			return
		}
		recipient = admins[0].SubjectID
		fallbackRouted = true
		notice := fmt.Sprintf("⚠️ Documento sin destinatario registrado: %s", item.name)
		for _, admin := range admins {
			if err := q.msgService.SendMessage(ctx, admin.SubjectID, notice); err != nil {
				slog.Error("Queue.deliverFile: admin notice failed", "error", err, "admin", admin.SubjectID)
			}
		}
		slog.Info("Queue.deliverFile: routing unclaimed file to administrator", "name", item.name, "admin", recipient)
	}

	data, err := os.ReadFile(item.path)
	if err != nil {
		slog.Error("Queue.deliverFile: read failed", "error", err, "name", item.name)
		q.release(item.name)
		return
	}

	// Backup before any rendering touches the original.
	backupPath := filepath.Join(q.dropDir, fmt.Sprintf("backup_%d_%s_%s",
		time.Now().UnixMilli(), util.GenerateRandomHex(4), item.name))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		slog.Error("Queue.deliverFile: backup failed", "error", err, "name", item.name)
		q.release(item.name)
		return
	}

	deliverData := data
	deliverName := item.name
	renderedTemp := ""
	if options.WantsFrontMatting || options.AutoMatting {
		rendered, tempPath := q.renderFile(ctx, item, recipient, displayName, docType, options)
		if rendered != nil {
			deliverData = rendered
			renderedTemp = tempPath
			if tempPath != "" {
				deliverName = filepath.Base(tempPath)
			}
		}
		// Rendering failure falls through to the unrendered original.
	}

	caption := fmt.Sprintf("📄 Acta %s", item.identifier)
	if err := q.msgService.SendDocument(ctx, recipient, deliverName, documentMimetype, deliverData, caption); err != nil {
		slog.Error("Queue.deliverFile: delivery failed, keeping file for next tick", "error", err, "name", item.name, "recipient", recipient)
		os.Remove(backupPath)
		q.release(item.name)
		return
	}
	slog.Info("Queue.deliverFile: document delivered", "name", item.name, "identifier", item.identifier, "recipient", recipient, "fallback", fallbackRouted)

	// Durable-state cleanup first, filesystem second: a crash after the send
	// may cost a ledger or counter update but never leaves a ghost registry
	// entry pointing at a deleted file.
	if req != nil {
		if err := q.store.DeletePendingRequest(item.identifier); err != nil {
			slog.Error("Queue.deliverFile: registry cleanup failed", "error", err, "identifier", item.identifier)
		}
		if _, err := q.store.MarkCompleted(item.identifier, req.SubjectID); err != nil {
			slog.Error("Queue.deliverFile: ledger completion failed", "error", err, "identifier", item.identifier)
		}
		if err := q.store.IncrementCounter(req.SubjectID, displayName); err != nil {
			slog.Error("Queue.deliverFile: counter increment failed", "error", err, "subjectID", req.SubjectID)
		}
	}

	if err := os.Remove(item.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Queue.deliverFile: original cleanup failed", "error", err, "path", item.path)
	}
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Queue.deliverFile: backup cleanup failed", "error", err, "path", backupPath)
	}
	if renderedTemp != "" && renderedTemp != item.path {
		temp := renderedTemp
		time.AfterFunc(q.tempGrace, func() {
			if err := os.Remove(temp); err != nil && !os.IsNotExist(err) {
				slog.Debug("Queue.deliverFile: rendered temp cleanup failed", "error", err, "path", temp)
			}
		})
	}
	q.release(item.name)
}

// renderFile asks the rendering service for a matted version of the file.
// It returns the rendered bytes and temp path, or nil on any failure.
func (q *Queue) renderFile(ctx context.Context, item queueItem, recipient, displayName string, docType models.DocumentType, options models.FormatOptions) ([]byte, string) {
	renderCtx, cancel := context.WithTimeout(ctx, q.renderTimeout)
	defer cancel()

	result, err := q.renderer.Render(renderCtx, renderer.Request{
		Message:      item.identifier,
		Sender:       recipient,
		Name:         displayName,
		OriginalFile: item.path,
		DocumentType: string(docType),
		ApplyFolio:   options.WantsFolioStamp,
		AutoMatting:  options.AutoMatting,
	})
	if err != nil {
		slog.Warn("Queue.renderFile: rendering failed, delivering original", "error", err, "identifier", item.identifier)
		return nil, ""
	}
	if result.PDFPath == "" {
		slog.Warn("Queue.renderFile: rendering returned no output path, delivering original", "identifier", item.identifier)
		return nil, ""
	}
	rendered, err := os.ReadFile(result.PDFPath)
	if err != nil {
		slog.Warn("Queue.renderFile: rendered output unreadable, delivering original", "error", err, "path", result.PDFPath)
		return nil, ""
	}
	return rendered, result.PDFPath
}
