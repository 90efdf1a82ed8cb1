package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"quillai/pkg/domain"
	"quillai/pkg/storage"
	"quillai/pkg/store"
	"quillai/pkg/vectorindex"
)

type lenEmbedder struct {
	fail  error
	calls atomic.Int32
}

func (e *lenEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	return []float32{1, float32(len(text))}, nil
}

type fixture struct {
	store   *store.MemoryStore
	objects *storage.MemoryStore
	index   *vectorindex.MemoryIndex
	emb     *lenEmbedder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore(""),
		index:   vectorindex.NewMemoryIndex(),
		emb:     &lenEmbedder{},
	}
	ctx := context.Background()
	if _, err := f.objects.Put(ctx, "u1/doc.pdf_1", strings.NewReader("%PDF"), 4, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.store.CreateFile(ctx, domain.File{
		ID: "f1", UserID: "u1", Key: "k", Name: "doc.pdf", StorageKey: "u1/doc.pdf_1",
		Status: domain.StatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return f
}

func (f fixture) pipeline(t *testing.T, parser PageParser) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{
		Store: f.store, Objects: f.objects, Index: f.index, Embedder: f.emb,
		Parser: parser, BatchSize: 2, Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func pagesParser(pages ...Page) PageParser {
	return func(path string) ([]Page, error) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return pages, nil
	}
}

func status(t *testing.T, s store.Store, id string) domain.FileStatus {
	t.Helper()
	f, ok, err := s.GetFile(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get file: ok=%v err=%v", ok, err)
	}
	return f.Status
}

func TestPipelineIndexesEveryPageAndSucceeds(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, pagesParser(
		Page{Number: 1, Text: "one"}, Page{Number: 2, Text: "two"},
		Page{Number: 3, Text: "three"}, Page{Number: 5, Text: "five"},
		Page{Number: 6, Text: "six"},
	))
	if err := p.Run(context.Background(), "f1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := status(t, f.store, "f1"); got != domain.StatusSuccess {
		t.Fatalf("status = %s", got)
	}
	if n := f.index.Len("f1"); n != 5 {
		t.Fatalf("indexed %d pages, want 5", n)
	}
	matches, _ := f.index.Query(context.Background(), "f1", []float32{1, 5}, 1)
	if len(matches) != 1 || matches[0].ID != ChunkID("f1", 3) {
		t.Fatalf("unexpected top match: %+v", matches)
	}
}

func TestPipelineFailures(t *testing.T) {
	cases := []struct {
		name    string
		parser  PageParser
		embErr  error
		wantErr error
	}{
		{name: "no text", parser: pagesParser(), wantErr: ErrNoContent},
		{name: "parser error", parser: func(string) ([]Page, error) { return nil, errors.New("corrupt") }},
		{name: "embedder error", parser: pagesParser(Page{Number: 1, Text: "x"}), embErr: errors.New("voyage down")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.emb.fail = tc.embErr
			err := f.pipeline(t, tc.parser).Run(context.Background(), "f1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got := status(t, f.store, "f1"); got != domain.StatusFailed {
				t.Fatalf("status = %s, want FAILED", got)
			}
		})
	}
}

func TestPipelineSkipsTerminalFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.TransitionFileStatus(ctx, "f1", domain.StatusProcessing)
	_ = f.store.TransitionFileStatus(ctx, "f1", domain.StatusSuccess)

	if err := f.pipeline(t, pagesParser(Page{Number: 1, Text: "x"})).Run(ctx, "f1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.emb.calls.Load() != 0 {
		t.Fatalf("terminal file was re-embedded")
	}
	if got := status(t, f.store, "f1"); got != domain.StatusSuccess {
		t.Fatalf("status = %s", got)
	}
}

func TestPipelineUnknownFile(t *testing.T) {
	f := newFixture(t)
	if err := f.pipeline(t, pagesParser()).Run(context.Background(), "missing"); !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestPipelineFallsBackToFileURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-remote"))
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.CreateFile(ctx, domain.File{
		ID: "f2", UserID: "u1", Name: "remote.pdf", URL: srv.URL + "/remote.pdf",
		StorageKey: "u1/gone.pdf_1", Status: domain.StatusPending, CreatedAt: time.Now(),
	})
	var content string
	parser := func(path string) ([]Page, error) {
		b, err := os.ReadFile(path)
		content = string(b)
		return []Page{{Number: 1, Text: "remote"}}, err
	}
	if err := f.pipeline(t, parser).Run(ctx, "f2"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if content != "%PDF-remote" {
		t.Fatalf("parsed %q", content)
	}
}

func TestParsePDFRejectsNonPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.pdf")
	if err := os.WriteFile(path, []byte("plain text, not a pdf"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ParsePDF(path); err == nil {
		t.Fatalf("expected error for non-pdf input")
	}
}

type recordingRunner struct {
	started chan string
	release chan struct{}
	ctxErr  atomic.Value
}

func (r *recordingRunner) Run(ctx context.Context, fileID string) error {
	r.started <- fileID
	<-r.release
	if err := ctx.Err(); err != nil {
		r.ctxErr.Store(err)
	}
	return nil
}

func TestInlineDispatcherSurvivesRequestCancellation(t *testing.T) {
	runner := &recordingRunner{started: make(chan string, 1), release: make(chan struct{})}
	d := NewInlineDispatcher(runner, nil, 1, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Dispatch(ctx, "f1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := <-runner.started; got != "f1" {
		t.Fatalf("started %q", got)
	}
	cancel()
	close(runner.release)
	d.Wait()
	if v := runner.ctxErr.Load(); v != nil {
		t.Fatalf("run context was cancelled with the request: %v", v)
	}
}

func TestInlineDispatcherBoundsConcurrency(t *testing.T) {
	runner := &recordingRunner{started: make(chan string, 2), release: make(chan struct{})}
	d := NewInlineDispatcher(runner, nil, 1, time.Minute, nil)
	_ = d.Dispatch(context.Background(), "a")
	_ = d.Dispatch(context.Background(), "b")

	<-runner.started
	select {
	case id := <-runner.started:
		t.Fatalf("second run %q started while first held the slot", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	<-runner.started
	d.Wait()
}

func TestInlineDispatcherFailsFileWhenSlotNeverFrees(t *testing.T) {
	f := newFixture(t)
	runner := &recordingRunner{started: make(chan string, 2), release: make(chan struct{})}
	d := NewInlineDispatcher(runner, f.store, 1, 100*time.Millisecond, nil)

	_ = d.Dispatch(context.Background(), "holder")
	<-runner.started
	_ = d.Dispatch(context.Background(), "f1")

	deadline := time.Now().Add(2 * time.Second)
	for status(t, f.store, "f1") != domain.StatusFailed {
		if time.Now().After(deadline) {
			close(runner.release)
			t.Fatalf("status = %s, want FAILED after the slot wait expired", status(t, f.store, "f1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(runner.release)
	d.Wait()
	select {
	case id := <-runner.started:
		t.Fatalf("run %q started after its slot wait expired", id)
	default:
	}
}

type flakyLoadStore struct {
	*store.MemoryStore
	getErr error
}

func (s flakyLoadStore) GetFile(ctx context.Context, id string) (domain.File, bool, error) {
	if s.getErr != nil {
		return domain.File{}, false, s.getErr
	}
	return s.MemoryStore.GetFile(ctx, id)
}

func TestPipelineLoadFailureMarksFileFailed(t *testing.T) {
	f := newFixture(t)
	p, err := NewPipeline(Config{
		Store:    flakyLoadStore{MemoryStore: f.store, getErr: errors.New("connection reset")},
		Objects:  f.objects,
		Index:    f.index,
		Embedder: f.emb,
		Parser:   pagesParser(Page{Number: 1, Text: "x"}),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Run(context.Background(), "f1"); err == nil {
		t.Fatal("expected load error")
	}
	if got := status(t, f.store, "f1"); got != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestCollectPages(t *testing.T) {
	decodeErr := errors.New("bad content stream")
	doc := func(pages map[int]string, broken ...int) func(int) (string, bool, error) {
		return func(i int) (string, bool, error) {
			for _, b := range broken {
				if b == i {
					return "", true, decodeErr
				}
			}
			text, ok := pages[i]
			return text, ok, nil
		}
	}

	pages, err := collectPages(3, doc(map[int]string{1: " one\x00 ", 2: "  ", 3: "three"}))
	if err != nil || len(pages) != 2 || pages[0].Text != "one" || pages[1].Number != 3 {
		t.Fatalf("clean doc = %+v, %v", pages, err)
	}

	pages, err = collectPages(4, doc(map[int]string{1: "one", 3: "three"}, 2, 4))
	var skipped *SkippedPagesError
	if !errors.As(err, &skipped) || len(pages) != 2 {
		t.Fatalf("partial doc = %+v, %v", pages, err)
	}
	if len(skipped.Pages) != 2 || skipped.Pages[0] != 2 || skipped.Pages[1] != 4 || !errors.Is(err, decodeErr) {
		t.Fatalf("skipped = %+v", skipped)
	}

	pages, err = collectPages(2, doc(nil, 1, 2))
	if !errors.Is(err, ErrUnreadable) || pages != nil {
		t.Fatalf("unreadable doc = %+v, %v", pages, err)
	}
	if errors.As(err, &skipped) {
		t.Fatalf("unreadable doc reported as partial: %v", err)
	}
}

func TestPipelineLogsSkippedPagesAndSucceeds(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	p, err := NewPipeline(Config{
		Store: f.store, Objects: f.objects, Index: f.index, Embedder: f.emb,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
		Parser: func(string) ([]Page, error) {
			return []Page{{Number: 1, Text: "readable"}}, &SkippedPagesError{Pages: []int{2, 3}, Err: errors.New("bad stream")}
		},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Run(context.Background(), "f1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := status(t, f.store, "f1"); got != domain.StatusSuccess {
		t.Fatalf("status = %s", got)
	}
	if n := f.index.Len("f1"); n != 1 {
		t.Fatalf("indexed %d pages, want 1", n)
	}
	if out := logs.String(); !strings.Contains(out, "ingest_pages_skipped") || !strings.Contains(out, "2 3") {
		t.Fatalf("skipped pages not logged: %s", out)
	}
}

func TestPipelineUnreadableDocumentFails(t *testing.T) {
	f := newFixture(t)
	parser := func(string) ([]Page, error) {
		return collectPages(2, func(int) (string, bool, error) { return "", true, errors.New("bad stream") })
	}
	err := f.pipeline(t, parser).Run(context.Background(), "f1")
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("err = %v, want ErrUnreadable", err)
	}
	if got := status(t, f.store, "f1"); got != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}
