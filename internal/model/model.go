package model

import "time"

// CompressionResult is one completed (original file, output format) operation
// as returned by the compression backend. At most one result exists per
// (OriginalName, OutputFormat) pair within a session.
type CompressionResult struct {
	ID               string  `json:"id"`
	OriginalName     string  `json:"originalName"`
	OriginalSize     int64   `json:"originalSize"`
	CompressedSize   int64   `json:"compressedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	DownloadURL      string  `json:"downloadUrl"`
	OriginalFormat   string  `json:"originalFormat"`
	OutputFormat     string  `json:"outputFormat"`
	WasConverted     bool    `json:"wasConverted"`
}

// SessionData is the per-visitor accumulated state. Results grow only by
// append; Compressions and Conversions mirror the results partitioned by
// WasConverted.
type SessionData struct {
	Results                []CompressionResult `json:"results"`
	Compressions           int                 `json:"compressions"`
	Conversions            int                 `json:"conversions"`
	ActivityScore          int                 `json:"activityScore"`
	ShowPricingProbability float64             `json:"showPricingProbability"`
	BatchDownloadURL       string              `json:"batchDownloadUrl,omitempty"`
	CreatedAt              time.Time           `json:"createdAt"`
}

// HasResult reports whether a result already exists for the given file and
// (normalized) output format. Size is part of the key: the same name
// re-uploaded at a different size is a distinct file and still needs
// processing.
func (s *SessionData) HasResult(originalName string, originalSize int64, outputFormat string) bool {
	for _, r := range s.Results {
		if r.OriginalName == originalName && r.OriginalSize == originalSize && r.OutputFormat == outputFormat {
			return true
		}
	}
	return false
}

// UsageCounters tracks per-visitor operation counts across the three quota
// windows. Daily resets on calendar date change, hourly on a rolling
// 60-minute window from first use, monthly mirrors the backend authority.
type UsageCounters struct {
	DailyUsed   int    `json:"dailyUsed"`
	DailyDate   string `json:"dailyDate"` // YYYY-MM-DD the daily counter belongs to
	HourlyUsed  int    `json:"hourlyUsed"`
	HourlyStart int64  `json:"hourlyStart"` // unix seconds of first op in the window
	MonthlyUsed int    `json:"monthlyUsed"`
}

// FileUpload is a staged upload candidate: the file's metadata plus a
// generated unique ID. Content is held by the caller; validation and
// duplicate detection only need name and size.
type FileUpload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Format string `json:"format"` // normalized input format, e.g. "jpeg"
}

// APIKey is an issued dashboard API key. Only the bcrypt hash is stored;
// the prefix allows lookup without the plaintext key.
type APIKey struct {
	ID         string     `json:"id"`
	OwnerEmail string     `json:"ownerEmail"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"keyPrefix"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Operation is one row of the durable operation log, written after every
// completed compression and used by the analytics endpoints.
type Operation struct {
	ID             string    `json:"id"`
	VisitorID      string    `json:"visitorId"`
	Tier           string    `json:"tier"`
	OriginalName   string    `json:"originalName"`
	OriginalFormat string    `json:"originalFormat"`
	OutputFormat   string    `json:"outputFormat"`
	OriginalSize   int64     `json:"originalSize"`
	CompressedSize int64     `json:"compressedSize"`
	Ratio          float64   `json:"ratio"`
	WasConverted   bool      `json:"wasConverted"`
	CreatedAt      time.Time `json:"createdAt"`
}
