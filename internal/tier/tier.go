package tier

import (
	"path/filepath"
	"strings"
	"time"
)

// DefaultFormat is the pinned output format. It is always part of the
// selected-format set and toggling it off is a no-op.
const DefaultFormat = "jpeg"

// Tier defines the limits of one usage plan.
type Tier struct {
	Name              string
	MaxFileSize       int64
	MaxBatchFiles     int
	HourlyLimit       int
	DailyLimit        int
	MonthlyLimit      int
	ProcessingTimeout time.Duration
	OutputFormats     []string
}

var tiers = map[string]Tier{
	"anonymous": {
		Name:              "anonymous",
		MaxFileSize:       10 * 1024 * 1024,
		MaxBatchFiles:     1,
		HourlyLimit:       5,
		DailyLimit:        25,
		MonthlyLimit:      500,
		ProcessingTimeout: 30 * time.Second,
		OutputFormats:     []string{"jpeg", "png", "webp", "avif"},
	},
	"free": {
		Name:              "free",
		MaxFileSize:       10 * 1024 * 1024,
		MaxBatchFiles:     1,
		HourlyLimit:       10,
		DailyLimit:        50,
		MonthlyLimit:      500,
		ProcessingTimeout: 30 * time.Second,
		OutputFormats:     []string{"jpeg", "png", "webp", "avif"},
	},
	"trial": {
		Name:              "trial",
		MaxFileSize:       50 * 1024 * 1024,
		MaxBatchFiles:     3,
		HourlyLimit:       20,
		DailyLimit:        100,
		MonthlyLimit:      300,
		ProcessingTimeout: 120 * time.Second,
		OutputFormats:     []string{"jpeg", "png", "webp", "avif", "tiff"},
	},
	"premium": {
		Name:              "premium",
		MaxFileSize:       200 * 1024 * 1024,
		MaxBatchFiles:     10,
		HourlyLimit:       200,
		DailyLimit:        2000,
		MonthlyLimit:      10000,
		ProcessingTimeout: 300 * time.Second,
		OutputFormats:     []string{"jpeg", "png", "webp", "avif", "tiff"},
	},
	"enterprise": {
		Name:              "enterprise",
		MaxFileSize:       500 * 1024 * 1024,
		MaxBatchFiles:     25,
		HourlyLimit:       1000,
		DailyLimit:        10000,
		MonthlyLimit:      100000,
		ProcessingTimeout: 600 * time.Second,
		OutputFormats:     []string{"jpeg", "png", "webp", "avif", "tiff"},
	},
}

// Get returns the tier for the given name, defaulting to anonymous when the
// name is unknown.
func Get(name string) Tier {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers["anonymous"]
}

// formatAliases maps common spellings to the canonical format name.
var formatAliases = map[string]string{
	"jpg":  "jpeg",
	"jpeg": "jpeg",
	"jfif": "jpeg",
	"tif":  "tiff",
	"tiff": "tiff",
	"png":  "png",
	"webp": "webp",
	"avif": "avif",
	"svg":  "svg",
}

// rawExtensions are RAW camera formats detected by filename suffix, since
// their MIME type is frequently empty or unreliable.
var rawExtensions = map[string]string{
	".cr2": "cr2",
	".cr3": "cr3",
	".nef": "nef",
	".arw": "arw",
	".dng": "dng",
	".orf": "orf",
	".raf": "raf",
	".rw2": "rw2",
}

// NormalizeFormat returns the canonical name for a format identifier.
// Unknown identifiers are lower-cased and returned as-is.
func NormalizeFormat(f string) string {
	f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
	if canon, ok := formatAliases[f]; ok {
		return canon
	}
	return f
}

// FormatFromFilename derives the normalized input format from a file name.
func FormatFromFilename(name string) string {
	return NormalizeFormat(filepath.Ext(name))
}

// IsRawFilename reports whether the file name carries a RAW camera suffix.
func IsRawFilename(name string) bool {
	_, ok := rawExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// AcceptsInput reports whether the file name names a format this gateway
// accepts for upload. RAW formats are accepted on every tier.
func AcceptsInput(name string) bool {
	if IsRawFilename(name) {
		return true
	}
	_, ok := formatAliases[strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))]
	return ok
}

// SupportsOutput reports whether the tier can produce the given (normalized)
// output format.
func (t Tier) SupportsOutput(format string) bool {
	format = NormalizeFormat(format)
	for _, f := range t.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}
