// Package validate decides whether a candidate upload is accepted, before
// anything is staged or sent to the backend. Checks run in a fixed order and
// short-circuit on the first failure; the package never mutates usage or
// session state.
package validate

import (
	"errors"
	"fmt"

	"github.com/microjpeg/gateway/internal/model"
	"github.com/microjpeg/gateway/internal/tier"
	"github.com/microjpeg/gateway/internal/usage"
)

// Sentinel errors classifying rejections. Returned errors wrap one of these
// and carry a human-readable message.
var (
	ErrQuota       = errors.New("quota exceeded")
	ErrUnsupported = errors.New("unsupported format")
	ErrTooLarge    = errors.New("file too large")
	ErrDuplicate   = errors.New("duplicate file")
)

// Context carries everything a validation pass needs: the caller's tier
// limits, their usage tracker, the current session snapshot, and the files
// already staged in this selection.
type Context struct {
	Tier    tier.Tier
	Usage   *usage.Tracker
	Session model.SessionData
	Staged  []model.FileUpload
}

// Rejection pairs a failing file with its reason, for batched reporting.
type Rejection struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// Check validates one candidate file. Returns nil when accepted. Check
// order: hourly quota first (the most restrictive, time-sensitive gate),
// then format allow-list, then size ceiling, then duplicate detection.
func Check(f model.FileUpload, ctx Context) error {
	// Every file already staged in this selection consumes an hourly
	// operation when the default format runs, so the window must have room
	// for the whole selection plus this candidate.
	if d := ctx.Usage.CanOperateHourly(1 + len(ctx.Staged)); !d.Allowed {
		return fmt.Errorf("%w: %s", ErrQuota, d.Reason)
	}

	if !tier.AcceptsInput(f.Name) {
		return fmt.Errorf("%w: %s is not a supported image format", ErrUnsupported, f.Name)
	}

	if f.Size > ctx.Tier.MaxFileSize {
		return fmt.Errorf("%w: %s is %s, max %s on the %s plan",
			ErrTooLarge, f.Name, formatSize(f.Size), formatSize(ctx.Tier.MaxFileSize), ctx.Tier.Name)
	}

	// Duplicates are keyed by (name, size): the same name at a different
	// size is treated as a distinct file.
	for _, staged := range ctx.Staged {
		if staged.Name == f.Name && staged.Size == f.Size {
			return fmt.Errorf("%w: %s is already in the current selection", ErrDuplicate, f.Name)
		}
	}
	for _, r := range ctx.Session.Results {
		if r.OriginalName == f.Name && r.OriginalSize == f.Size {
			return fmt.Errorf("%w: %s has already been processed this session", ErrDuplicate, f.Name)
		}
	}

	return nil
}

// Batch validates each candidate, returning the accepted subset and one
// rejection per failing file so the caller can surface a single combined
// notification.
func Batch(files []model.FileUpload, ctx Context) (accepted []model.FileUpload, rejections []Rejection) {
	for _, f := range files {
		if err := Check(f, ctx); err != nil {
			rejections = append(rejections, Rejection{File: f.Name, Reason: err.Error()})
			continue
		}
		// Accepted files join the staged set so a later duplicate inside
		// the same batch is caught too.
		ctx.Staged = append(ctx.Staged, f)
		accepted = append(accepted, f)
	}
	return accepted, rejections
}

func formatSize(b int64) string {
	const mb = 1024 * 1024
	switch {
	case b >= mb && b%mb == 0:
		return fmt.Sprintf("%dMB", b/mb)
	case b >= mb:
		return fmt.Sprintf("%.1fMB", float64(b)/mb)
	case b >= 1024:
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	default:
		return fmt.Sprintf("%dB", b)
	}
}
