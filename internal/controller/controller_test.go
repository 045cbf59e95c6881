package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/microjpeg/gateway/internal/backend"
	"github.com/microjpeg/gateway/internal/model"
	"github.com/microjpeg/gateway/internal/session"
	"github.com/microjpeg/gateway/internal/sse"
	"github.com/microjpeg/gateway/internal/store"
	"github.com/microjpeg/gateway/internal/tier"
	"github.com/microjpeg/gateway/internal/usage"
)

// fakeBackend fabricates one result per uploaded file in the requested
// output format and counts compress calls.
type fakeBackend struct {
	calls int64
	fail  atomic.Bool
	srv   *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/compress":
			atomic.AddInt64(&fb.calls, 1)
			if fb.fail.Load() {
				http.Error(w, "backend down", http.StatusInternalServerError)
				return
			}
			if err := r.ParseMultipartForm(64 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
				return
			}
			var settings backend.Settings
			json.Unmarshal([]byte(r.FormValue("settings")), &settings)

			var results []model.CompressionResult
			for _, fh := range r.MultipartForm.File["files"] {
				results = append(results, model.CompressionResult{
					ID:               fh.Filename + "-" + settings.OutputFormat,
					OriginalName:     fh.Filename,
					OriginalSize:     fh.Size,
					CompressedSize:   fh.Size / 2,
					CompressionRatio: 50,
					DownloadURL:      "https://dl.example/" + fh.Filename,
					OriginalFormat:   strings.TrimPrefix(strings.ToLower(fh.Filename[strings.LastIndex(fh.Filename, ".")+1:]), "."),
					OutputFormat:     settings.OutputFormat,
				})
			}
			json.NewEncoder(w).Encode(map[string]any{"results": results})
		case "/api/create-session-zip":
			var req map[string][]string
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]any{
				"batchDownloadUrl": "https://dl.example/batch.zip",
				"fileCount":        len(req["resultIds"]),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) compressCalls() int64 { return atomic.LoadInt64(&fb.calls) }

type fixture struct {
	c  *Controller
	fb *fakeBackend
	u  *usage.Tracker
	s  *session.Manager
}

func newFixture(t *testing.T, tierName string) *fixture {
	return newFixtureWithDelay(t, tierName, -1)
}

func newFixtureWithDelay(t *testing.T, tierName string, delay time.Duration) *fixture {
	t.Helper()
	fb := newFakeBackend(t)
	st := store.NewMemStore()
	tr := tier.Get(tierName)
	u := usage.New(st, "v1", tr, nil)
	sm := session.New(st, "v1", nil, nil)
	c := New(Config{
		VisitorID:   "v1",
		Tier:        tr,
		Usage:       u,
		Session:     sm,
		Client:      &backend.Client{BaseURL: fb.srv.URL, Timeout: tr.ProcessingTimeout},
		Hub:         sse.New(),
		SettleDelay: delay,
	})
	return &fixture{c: c, fb: fb, u: u, s: sm}
}

func staged(name string, size int64) StagedFile {
	return StagedFile{
		Meta: model.FileUpload{Name: name, Size: size},
		Data: make([]byte, size),
	}
}

func TestFreeTierSizeScenario(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	// 12MB is rejected with the 10MB ceiling named.
	report, err := f.c.Upload(ctx, []StagedFile{staged("large.jpg", 12*1024*1024)})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(report.Staged) != 0 || len(report.Rejections) != 1 {
		t.Fatalf("report = %+v, want one rejection", report)
	}
	if !strings.Contains(report.Rejections[0].Reason, "max 10MB") {
		t.Errorf("reason = %q, want the 10MB ceiling named", report.Rejections[0].Reason)
	}
	if f.fb.compressCalls() != 0 {
		t.Error("rejected upload reached the network")
	}

	// The same file at 9MB is accepted and processed.
	report, err = f.c.Upload(ctx, []StagedFile{staged("large.jpg", 9*1024*1024)})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(report.Staged) != 1 {
		t.Fatalf("report = %+v, want one staged file", report)
	}
	f.c.Wait()

	s := f.s.Get()
	if len(s.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(s.Results))
	}
	if c := f.u.Counters(); c.DailyUsed != 1 {
		t.Errorf("DailyUsed = %d, want 1", c.DailyUsed)
	}
}

func TestBatchSizeGate(t *testing.T) {
	ctx := context.Background()

	// Anonymous tier allows a single file per batch.
	f := newFixture(t, "anonymous")
	_, err := f.c.Upload(ctx, []StagedFile{staged("a.jpg", 100), staged("b.jpg", 100)})
	if err == nil {
		t.Fatal("two files on anonymous tier should reject the whole batch")
	}

	// The trial tier takes three at once.
	f2 := newFixture(t, "trial")
	report, err := f2.c.Upload(ctx, []StagedFile{
		staged("a.jpg", 100), staged("b.jpg", 100), staged("c.jpg", 100),
	})
	if err != nil || len(report.Staged) != 3 {
		t.Fatalf("trial 3-file batch: report=%+v err=%v", report, err)
	}
	f2.c.Wait()
	if s := f2.s.Get(); len(s.Results) != 3 {
		t.Errorf("len(Results) = %d, want 3", len(s.Results))
	}
}

func TestProcessingOutlivesCancelledRequestContext(t *testing.T) {
	f := newFixtureWithDelay(t, "anonymous", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := f.c.Upload(ctx, []StagedFile{staged("photo.jpg", 1000)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	// An HTTP request context dies as soon as the handler writes its
	// response, before the settle delay fires.
	cancel()

	time.Sleep(50 * time.Millisecond)
	f.c.Wait()

	if n := f.fb.compressCalls(); n != 1 {
		t.Fatalf("compress calls = %d, want 1 despite the cancelled request", n)
	}
	if s := f.s.Get(); len(s.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(s.Results))
	}

	// The batch marker released: the next upload is accepted.
	if _, err := f.c.Upload(context.Background(), []StagedFile{staged("next.jpg", 1000)}); err != nil {
		t.Errorf("next upload rejected: %v", err)
	}
	f.c.Wait()
}

func TestReuploadAtNewSizeReprocesses(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	f.c.Upload(ctx, []StagedFile{staged("a.png", 50*1024)})
	f.c.Wait()
	if n := f.fb.compressCalls(); n != 1 {
		t.Fatalf("compress calls = %d, want 1", n)
	}

	// The same name at a new size is a distinct file: it must reach the
	// backend, supersede the old result, and release the batch marker.
	report, err := f.c.Upload(ctx, []StagedFile{staged("a.png", 51*1024)})
	if err != nil {
		t.Fatalf("re-upload rejected: %v", err)
	}
	if len(report.Staged) != 1 {
		t.Fatalf("report = %+v, want one staged file", report)
	}
	f.c.Wait()

	if n := f.fb.compressCalls(); n != 2 {
		t.Fatalf("compress calls = %d, want 2 (new size must be processed)", n)
	}
	s := f.s.Get()
	if len(s.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(s.Results))
	}
	if s.Results[0].OriginalSize != 51*1024 {
		t.Errorf("OriginalSize = %d, want the fresh 51KB upload", s.Results[0].OriginalSize)
	}

	if _, err := f.c.Upload(ctx, []StagedFile{staged("b.png", 100)}); err != nil {
		t.Errorf("follow-up upload rejected, batch marker stuck: %v", err)
	}
	f.c.Wait()
}

func TestClearResultsReleasesBatchMarker(t *testing.T) {
	f := newFixture(t, "anonymous")

	f.c.mu.Lock()
	f.c.batchInFlight = true
	f.c.mu.Unlock()

	if err := f.c.ClearResults(); err != nil {
		t.Fatalf("ClearResults: %v", err)
	}
	if _, err := f.c.Upload(context.Background(), []StagedFile{staged("a.jpg", 100)}); err != nil {
		t.Errorf("upload after ClearResults rejected: %v", err)
	}
	f.c.Wait()
}

func TestRetriggerSameFormatMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	if _, err := f.c.Upload(ctx, []StagedFile{staged("photo.jpg", 1000)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	f.c.Wait()
	if n := f.fb.compressCalls(); n != 1 {
		t.Fatalf("compress calls = %d, want 1", n)
	}

	// photo.jpg already has a jpeg result: re-toggling jpeg is skipped
	// entirely, no new call and no new entry.
	if err := f.c.ToggleFormat(ctx, "jpeg", true); err != nil {
		t.Fatalf("ToggleFormat: %v", err)
	}
	f.c.Wait()

	if n := f.fb.compressCalls(); n != 1 {
		t.Errorf("compress calls after retrigger = %d, want still 1", n)
	}
	if s := f.s.Get(); len(s.Results) != 1 {
		t.Errorf("len(Results) = %d, want still 1", len(s.Results))
	}
}

func TestToggleAdditionalFormatsAppendsResults(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	f.c.Upload(ctx, []StagedFile{staged("pic.png", 2000)})
	f.c.Wait()

	f.c.ToggleFormat(ctx, "webp", true)
	f.c.ToggleFormat(ctx, "avif", true)
	f.c.Wait()

	s := f.s.Get()
	if len(s.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3 (jpeg, webp, avif)", len(s.Results))
	}
	// png → jpeg/webp/avif are all conversions.
	if s.Conversions != 3 || s.Compressions != 0 {
		t.Errorf("Conversions/Compressions = %d/%d, want 3/0", s.Conversions, s.Compressions)
	}
	if c := f.u.Counters(); c.DailyUsed != 3 {
		t.Errorf("DailyUsed = %d, want 3", c.DailyUsed)
	}
}

func TestUnsupportedOutputFormatRejected(t *testing.T) {
	f := newFixture(t, "anonymous")
	if err := f.c.ToggleFormat(context.Background(), "tiff", true); err == nil {
		t.Error("tiff is not offered on the anonymous tier")
	}
}

func TestConcurrentBatchRejectedOutright(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	// Mark a batch as in flight by hand; uploads during processing are
	// rejected, not queued.
	f.c.mu.Lock()
	f.c.batchInFlight = true
	f.c.mu.Unlock()

	_, err := f.c.Upload(ctx, []StagedFile{staged("b.jpg", 100)})
	if err == nil || !strings.Contains(err.Error(), "already processing") {
		t.Fatalf("got %v, want in-flight rejection", err)
	}
}

func TestFailedBatchLeavesRetryableState(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	f.fb.fail.Store(true)
	if _, err := f.c.Upload(ctx, []StagedFile{staged("x.jpg", 500)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	f.c.Wait()

	// Nothing accumulated, no stuck in-flight marker.
	if s := f.s.Get(); len(s.Results) != 0 {
		t.Errorf("failed batch produced results: %+v", s.Results)
	}
	if c := f.u.Counters(); c.DailyUsed != 0 {
		t.Errorf("failed batch recorded usage: %+v", c)
	}

	// A retry goes through once the backend recovers.
	f.fb.fail.Store(false)
	if _, err := f.c.Upload(ctx, []StagedFile{staged("x.jpg", 500)}); err != nil {
		t.Fatalf("retry rejected: %v", err)
	}
	f.c.Wait()
	if s := f.s.Get(); len(s.Results) != 1 {
		t.Errorf("retry produced %d results, want 1", len(s.Results))
	}
}

func TestCreateZipRecordsBatchURL(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	f.c.Upload(ctx, []StagedFile{staged("a.jpg", 300)})
	f.c.Wait()

	url, count, err := f.c.CreateZip(ctx)
	if err != nil {
		t.Fatalf("CreateZip: %v", err)
	}
	if url != "https://dl.example/batch.zip" || count != 1 {
		t.Errorf("got %q, %d", url, count)
	}
	if s := f.s.Get(); s.BatchDownloadURL != url {
		t.Errorf("session BatchDownloadURL = %q", s.BatchDownloadURL)
	}
}

func TestClearResults(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	f.c.Upload(ctx, []StagedFile{staged("a.jpg", 300)})
	f.c.Wait()
	if err := f.c.ClearResults(); err != nil {
		t.Fatalf("ClearResults: %v", err)
	}
	if s := f.s.Get(); len(s.Results) != 0 || s.BatchDownloadURL != "" {
		t.Errorf("session not cleared: %+v", s)
	}
	if _, _, err := f.c.CreateZip(ctx); err == nil {
		t.Error("CreateZip with no results should fail")
	}
}

func TestActivityTrackedPerUploadAction(t *testing.T) {
	f := newFixture(t, "anonymous")
	ctx := context.Background()

	f.c.Upload(ctx, []StagedFile{staged("a.jpg", 100)})
	f.c.Wait()
	f.c.Upload(ctx, []StagedFile{staged("b.jpg", 100)})
	f.c.Wait()

	s := f.s.Get()
	if s.ActivityScore != 2 {
		t.Errorf("ActivityScore = %d, want 2", s.ActivityScore)
	}
}
