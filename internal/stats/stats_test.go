package stats

import (
	"math"
	"testing"

	"github.com/microjpeg/gateway/internal/model"
)

func op(orig, comp int64, ratio float64, converted bool) model.Operation {
	return model.Operation{
		OriginalSize:   orig,
		CompressedSize: comp,
		Ratio:          ratio,
		WasConverted:   converted,
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Operations != 0 || s.BytesSaved != 0 || s.MeanRatio != 0 {
		t.Errorf("empty summary not zero: %+v", s)
	}
}

func TestSummarizeAggregates(t *testing.T) {
	ops := []model.Operation{
		op(1000, 400, 60, false),
		op(2000, 1000, 50, true),
		op(4000, 1200, 70, false),
	}
	s := Summarize(ops)

	if s.Operations != 3 || s.Compressions != 2 || s.Conversions != 1 {
		t.Errorf("counts = %d/%d/%d", s.Operations, s.Compressions, s.Conversions)
	}
	if s.OriginalBytes != 7000 || s.CompressedByte != 2600 || s.BytesSaved != 4400 {
		t.Errorf("bytes = %d/%d/%d", s.OriginalBytes, s.CompressedByte, s.BytesSaved)
	}
	if math.Abs(s.MeanRatio-60) > 1e-9 {
		t.Errorf("MeanRatio = %v, want 60", s.MeanRatio)
	}
	if s.MedianRatio != 60 {
		t.Errorf("MedianRatio = %v, want 60", s.MedianRatio)
	}
	if s.StdDevRatio <= 0 {
		t.Errorf("StdDevRatio = %v, want > 0", s.StdDevRatio)
	}
	if s.P90Ratio < s.MedianRatio {
		t.Errorf("P90 %v below median %v", s.P90Ratio, s.MedianRatio)
	}
}
