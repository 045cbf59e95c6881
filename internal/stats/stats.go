// Package stats aggregates the operation log into the savings figures shown
// on the analytics dashboard.
package stats

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/microjpeg/gateway/internal/model"
)

// Summary is the aggregate view over a window of operations.
type Summary struct {
	Operations     int     `json:"operations"`
	Compressions   int     `json:"compressions"`
	Conversions    int     `json:"conversions"`
	OriginalBytes  int64   `json:"originalBytes"`
	CompressedByte int64   `json:"compressedBytes"`
	BytesSaved     int64   `json:"bytesSaved"`
	MeanRatio      float64 `json:"meanRatio"`
	StdDevRatio    float64 `json:"stdDevRatio"`
	MedianRatio    float64 `json:"medianRatio"`
	P90Ratio       float64 `json:"p90Ratio"`
}

// Summarize computes aggregate savings statistics over the operations.
// Ratios are percentages saved; an empty window yields a zero Summary.
func Summarize(ops []model.Operation) Summary {
	var s Summary
	if len(ops) == 0 {
		return s
	}

	ratios := make([]float64, 0, len(ops))
	for _, op := range ops {
		s.Operations++
		if op.WasConverted {
			s.Conversions++
		} else {
			s.Compressions++
		}
		s.OriginalBytes += op.OriginalSize
		s.CompressedByte += op.CompressedSize
		ratios = append(ratios, op.Ratio)
	}
	s.BytesSaved = s.OriginalBytes - s.CompressedByte

	s.MeanRatio = stat.Mean(ratios, nil)
	s.StdDevRatio = stat.StdDev(ratios, nil)

	sort.Float64s(ratios)
	s.MedianRatio = stat.Quantile(0.5, stat.Empirical, ratios, nil)
	s.P90Ratio = stat.Quantile(0.9, stat.Empirical, ratios, nil)

	return s
}
