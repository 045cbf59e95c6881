// Package controller orchestrates one visitor's upload flow: validation,
// staging, the sequential format queue, result merging, and usage
// recording. One Controller exists per (visitor, tier) pair; every page
// variant shares the same control flow and differs only in tier limits.
package controller

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microjpeg/gateway/internal/backend"
	"github.com/microjpeg/gateway/internal/db"
	"github.com/microjpeg/gateway/internal/model"
	"github.com/microjpeg/gateway/internal/queue"
	"github.com/microjpeg/gateway/internal/session"
	"github.com/microjpeg/gateway/internal/sse"
	"github.com/microjpeg/gateway/internal/tier"
	"github.com/microjpeg/gateway/internal/usage"
	"github.com/microjpeg/gateway/internal/validate"
)

// defaultSettleDelay lets staging state land before the auto-triggered
// default format fires.
const defaultSettleDelay = 150 * time.Millisecond

// StagedFile is an accepted upload candidate with its content.
type StagedFile struct {
	Meta model.FileUpload
	Data []byte
}

// UploadReport is returned to the rendering layer after an upload attempt.
type UploadReport struct {
	Staged     []model.FileUpload    `json:"staged"`
	Rejections []validate.Rejection  `json:"rejections,omitempty"`
	Message    string                `json:"message,omitempty"`
}

// Controller wires the validator, queue, session manager, and usage
// tracker for one visitor.
type Controller struct {
	visitorID string
	tier      tier.Tier
	usage     *usage.Tracker
	session   *session.Manager
	client    *backend.Client
	hub       *sse.Hub
	oplog     *sql.DB // nil disables the durable operation log

	settleDelay time.Duration

	mu            sync.Mutex
	staged        []StagedFile
	batchInFlight bool

	queue *queue.Queue
}

// Config collects the collaborators for a Controller.
type Config struct {
	VisitorID string
	Tier      tier.Tier
	Usage     *usage.Tracker
	Session   *session.Manager
	Client    *backend.Client
	Hub       *sse.Hub
	Oplog     *sql.DB
	// SettleDelay overrides the default debounce; tests set it to a
	// negative value to disable the delay entirely.
	SettleDelay time.Duration
}

// New creates a controller for one visitor.
func New(cfg Config) *Controller {
	c := &Controller{
		visitorID:   cfg.VisitorID,
		tier:        cfg.Tier,
		usage:       cfg.Usage,
		session:     cfg.Session,
		client:      cfg.Client,
		hub:         cfg.Hub,
		oplog:       cfg.Oplog,
		settleDelay: cfg.SettleDelay,
	}
	if c.settleDelay == 0 {
		c.settleDelay = defaultSettleDelay
	}
	if c.settleDelay < 0 {
		c.settleDelay = 0
	}
	c.queue = queue.New(c.processFormat,
		queue.WithSkip(c.allFilesProcessed),
		queue.WithErrorHandler(c.formatFailed),
		queue.WithDone(c.formatDone),
	)
	return c
}

// Upload validates and stages a new batch of files, then auto-triggers
// processing of the default format. A new batch is rejected outright while
// one is already in flight.
func (c *Controller) Upload(ctx context.Context, files []StagedFile) (*UploadReport, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files provided")
	}
	if len(files) > c.tier.MaxBatchFiles {
		return nil, fmt.Errorf("too many files: the %s plan allows %d at a time",
			c.tier.Name, c.tier.MaxBatchFiles)
	}

	c.mu.Lock()
	if c.batchInFlight {
		c.mu.Unlock()
		return nil, fmt.Errorf("a batch is already processing; wait for it to finish")
	}

	// Each upload is a fresh selection: duplicates are checked within the
	// incoming batch and against completed results, and the previous
	// staged set is replaced on acceptance.
	vctx := validate.Context{
		Tier:    c.tier,
		Usage:   c.usage,
		Session: c.session.Get(),
	}
	var metas []model.FileUpload
	for _, f := range files {
		m := f.Meta
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Format == "" {
			m.Format = tier.FormatFromFilename(m.Name)
		}
		metas = append(metas, m)
	}
	accepted, rejections := validate.Batch(metas, vctx)

	if len(accepted) == 0 {
		c.mu.Unlock()
		return &UploadReport{Rejections: rejections}, nil
	}

	// Stage the accepted subset; the selected-format set resets to the
	// pinned default for every new batch.
	byName := make(map[string]StagedFile, len(files))
	for i, f := range files {
		f.Meta = metas[i]
		byName[f.Meta.Name] = f
	}
	c.staged = c.staged[:0]
	for _, m := range accepted {
		c.staged = append(c.staged, byName[m.Name])
	}
	c.batchInFlight = true
	c.mu.Unlock()

	if _, err := c.session.TrackActivity(); err != nil {
		slog.Warn("controller: track activity", "error", err)
	}

	// Processing outlives the request: the settle delay and the queue drain
	// on a context that survives the handler returning its response.
	ctx = context.WithoutCancel(ctx)

	if c.settleDelay > 0 {
		go func() {
			time.Sleep(c.settleDelay)
			c.queue.Enqueue(ctx, tier.DefaultFormat)
		}()
	} else {
		c.queue.Enqueue(ctx, tier.DefaultFormat)
	}

	return &UploadReport{
		Staged:     accepted,
		Rejections: rejections,
		Message:    fmt.Sprintf("Processing %d file(s)", len(accepted)),
	}, nil
}

// ToggleFormat adds or removes an output format. Additions join the FIFO
// queue behind any in-flight work; removing the pinned default is a no-op.
func (c *Controller) ToggleFormat(ctx context.Context, format string, enabled bool) error {
	format = tier.NormalizeFormat(format)
	if !c.tier.SupportsOutput(format) {
		return fmt.Errorf("format %s is not available on the %s plan", format, c.tier.Name)
	}
	if enabled {
		// Same lifetime rule as Upload: the format processes after the
		// toggle request has returned.
		c.queue.Enqueue(context.WithoutCancel(ctx), format)
	} else {
		c.queue.Remove(format)
	}
	return nil
}

// CreateZip asks the backend to bundle every session result and records
// the returned batch download URL on the session.
func (c *Controller) CreateZip(ctx context.Context) (string, int, error) {
	s := c.session.Get()
	if len(s.Results) == 0 {
		return "", 0, fmt.Errorf("no results to download")
	}
	ids := make([]string, 0, len(s.Results))
	for _, r := range s.Results {
		ids = append(ids, r.ID)
	}
	url, count, err := c.client.CreateSessionZip(ctx, ids)
	if err != nil {
		return "", 0, err
	}
	if err := c.session.SetBatchDownloadURL(url); err != nil {
		return "", 0, err
	}
	return url, count, nil
}

// ClearResults drops all accumulated results, the staged selection, and the
// batch download URL. It also releases the in-flight batch marker so a
// visitor can always start over.
func (c *Controller) ClearResults() error {
	c.mu.Lock()
	c.staged = nil
	c.batchInFlight = false
	c.mu.Unlock()
	return c.session.Clear()
}

// Wait blocks until the format queue has drained. Used by tests and
// graceful shutdown.
func (c *Controller) Wait() { c.queue.Wait() }

// Queue exposes the queue state for the rendering layer.
func (c *Controller) Queue() queue.State { return c.queue.Snapshot() }

// Session exposes the session manager for the rendering layer.
func (c *Controller) Session() *session.Manager { return c.session }

// Usage exposes the usage tracker for the rendering layer.
func (c *Controller) Usage() *usage.Tracker { return c.usage }

func (c *Controller) stagedMetaLocked() []model.FileUpload {
	metas := make([]model.FileUpload, 0, len(c.staged))
	for _, f := range c.staged {
		metas = append(metas, f.Meta)
	}
	return metas
}

// allFilesProcessed is the queue's pre-dispatch dedup check: when every
// staged file already has a result for the format, dispatch is skipped and
// no backend call is made.
func (c *Controller) allFilesProcessed(format string) bool {
	c.mu.Lock()
	staged := c.stagedMetaLocked()
	c.mu.Unlock()
	if len(staged) == 0 {
		return true
	}
	s := c.session.Get()
	for _, f := range staged {
		if !s.HasResult(f.Name, f.Size, format) {
			return false
		}
	}
	return true
}

// processFormat is the queue dispatcher: one backend call for all staged
// files that still lack a result in this format.
func (c *Controller) processFormat(ctx context.Context, format string) error {
	c.mu.Lock()
	var outgoing []backend.File
	for _, f := range c.staged {
		outgoing = append(outgoing, backend.File{Name: f.Meta.Name, Data: f.Data})
	}
	c.mu.Unlock()

	if len(outgoing) == 0 {
		return nil
	}

	topic := sse.SessionTopic(c.visitorID)
	c.hub.PublishJSON(topic, "progress", map[string]any{
		"format": format,
		"files":  len(outgoing),
		"state":  "processing",
	})

	results, batchURL, err := c.client.Compress(ctx, outgoing, backend.Settings{
		Quality:              80,
		OutputFormat:         format,
		ResizeOption:         "none",
		CompressionAlgorithm: "standard",
	})
	if err != nil {
		return err
	}

	// WasConverted is decided locally after alias normalization; the
	// backend's flag is not trusted for the session tallies.
	for i := range results {
		results[i].WasConverted =
			tier.NormalizeFormat(results[i].OriginalFormat) != tier.NormalizeFormat(results[i].OutputFormat)
		results[i].OutputFormat = tier.NormalizeFormat(results[i].OutputFormat)
	}

	added, err := c.session.AppendResults(results)
	if err != nil {
		return fmt.Errorf("merge results: %w", err)
	}

	compressions, conversions := 0, 0
	for _, r := range added {
		if r.WasConverted {
			conversions++
		} else {
			compressions++
		}
		c.logOperation(r)
	}
	if compressions > 0 {
		c.usage.RecordCompression(compressions)
	}
	if conversions > 0 {
		c.usage.RecordConversion(conversions)
	}

	if batchURL != "" {
		if err := c.session.SetBatchDownloadURL(batchURL); err != nil {
			slog.Warn("controller: record batch url", "error", err)
		}
	}

	c.hub.PublishJSON(topic, "result_ready", map[string]any{
		"format": format,
		"added":  len(added),
	})
	if format == tier.DefaultFormat {
		c.hub.PublishJSON(topic, "batch_done", map[string]any{
			"message": fmt.Sprintf("Compressed %d file(s)", len(added)),
		})
	}

	slog.Info("format processed",
		"visitor", c.visitorID, "format", format,
		"files", len(outgoing), "added", len(added))
	return nil
}

// formatDone runs once per dequeued format on every outcome: dispatched,
// failed, skipped, or cancelled. The auto-triggered default format ends the
// batch on all of those paths; later toggles are individual operations, not
// batches. A marker left set here would reject every future upload.
func (c *Controller) formatDone(format string) {
	if format != tier.DefaultFormat {
		return
	}
	c.mu.Lock()
	c.batchInFlight = false
	c.mu.Unlock()
}

// formatFailed surfaces a failed format to the rendering layer. In-flight
// markers are cleared by formatDone; queued formats continue draining.
func (c *Controller) formatFailed(format string, err error) {
	c.hub.PublishJSON(sse.SessionTopic(c.visitorID), "format_failed", map[string]any{
		"format": format,
		"error":  "compression failed, please try again",
	})
	slog.Error("controller: format failed", "visitor", c.visitorID, "format", format, "error", err)
}

func (c *Controller) logOperation(r model.CompressionResult) {
	if c.oplog == nil {
		return
	}
	op := &model.Operation{
		ID:             uuid.New().String(),
		VisitorID:      c.visitorID,
		Tier:           c.tier.Name,
		OriginalName:   r.OriginalName,
		OriginalFormat: tier.NormalizeFormat(r.OriginalFormat),
		OutputFormat:   r.OutputFormat,
		OriginalSize:   r.OriginalSize,
		CompressedSize: r.CompressedSize,
		Ratio:          r.CompressionRatio,
		WasConverted:   r.WasConverted,
	}
	if err := db.InsertOperation(c.oplog, op); err != nil {
		slog.Warn("controller: insert operation log", "error", err)
	}
}
