package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"quillai/pkg/ai"
	"quillai/pkg/domain"
	"quillai/pkg/storage"
	"quillai/pkg/store"
	"quillai/pkg/vectorindex"
)

var (
	// ErrNoContent is returned for documents without any extractable text.
	ErrNoContent = errors.New("no text extracted from document")
	// ErrFileNotFound is returned when the file record does not exist.
	ErrFileNotFound = errors.New("file not found")
)

// Config wires a Pipeline.
type Config struct {
	Store    store.Store
	Objects  storage.ObjectStore
	Index    vectorindex.Index
	Embedder ai.Embedder
	Parser   PageParser
	Logger   *slog.Logger
	// BatchSize pages are embedded per request; Concurrency batches run at once.
	BatchSize   int
	Concurrency int
	HTTPClient  *http.Client
}

// Pipeline turns an uploaded PDF into vectors in the file's namespace and
// drives the file's status PENDING → PROCESSING → SUCCESS or FAILED.
type Pipeline struct {
	store       store.Store
	objects     storage.ObjectStore
	index       vectorindex.Index
	embedder    ai.Embedder
	parse       PageParser
	logger      *slog.Logger
	batchSize   int
	concurrency int
	httpClient  *http.Client
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store required")
	}
	if cfg.Index == nil {
		return nil, errors.New("ingest: vector index required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("ingest: embedder required")
	}
	p := &Pipeline{
		store:       cfg.Store,
		objects:     cfg.Objects,
		index:       cfg.Index,
		embedder:    cfg.Embedder,
		parse:       cfg.Parser,
		logger:      cfg.Logger,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		httpClient:  cfg.HTTPClient,
	}
	if p.parse == nil {
		p.parse = ParsePDF
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.batchSize <= 0 {
		p.batchSize = 16
	}
	if p.concurrency <= 0 {
		p.concurrency = 2
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return p, nil
}

// Run ingests one file. A file that already reached a terminal state is left
// alone. Any failure marks the file FAILED; nothing is retried and vectors
// already written stay in the index.
func (p *Pipeline) Run(ctx context.Context, fileID string) error {
	log := p.logger.With("file_id", fileID)
	file, ok, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		err = fmt.Errorf("load file: %w", err)
		p.fail(ctx, log, fileID, err)
		return err
	}
	if !ok {
		return ErrFileNotFound
	}
	if err := p.store.TransitionFileStatus(ctx, fileID, domain.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Info("ingest_skipped", "status", file.Status)
			return nil
		}
		err = fmt.Errorf("mark processing: %w", err)
		p.fail(ctx, log, fileID, err)
		return err
	}
	start := time.Now()
	pages, err := p.ingest(ctx, log, file)
	if err != nil {
		p.fail(ctx, log, fileID, err)
		return err
	}
	if err := p.store.TransitionFileStatus(ctx, fileID, domain.StatusSuccess); err != nil {
		p.fail(ctx, log, fileID, err)
		return fmt.Errorf("mark success: %w", err)
	}
	log.Info("ingest_succeeded", "pages", pages, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Pipeline) ingest(ctx context.Context, log *slog.Logger, file domain.File) (int, error) {
	path, err := p.fetch(ctx, file)
	if err != nil {
		return 0, err
	}
	defer os.Remove(path)

	pages, err := p.parse(path)
	var skipped *SkippedPagesError
	switch {
	case errors.As(err, &skipped) && len(pages) > 0:
		log.Warn("ingest_pages_skipped", "pages", skipped.Pages, "err", skipped.Err)
	case err != nil:
		return 0, err
	}
	if len(pages) == 0 {
		return 0, ErrNoContent
	}
	if err := p.embedAndUpsert(ctx, file, pages); err != nil {
		return 0, err
	}
	return len(pages), nil
}

// fail marks the file FAILED even when ctx is already cancelled.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, fileID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.TransitionFileStatus(ctx, fileID, domain.StatusFailed); err != nil {
		log.Error("ingest_mark_failed_error", "err", err)
	}
	log.Warn("ingest_failed", "err", cause)
}

// fetch copies the stored PDF to a temp file, reading from object storage
// first and falling back to the file URL.
func (p *Pipeline) fetch(ctx context.Context, file domain.File) (string, error) {
	var body io.ReadCloser
	if p.objects != nil && file.StorageKey != "" {
		rc, err := p.objects.Open(ctx, file.StorageKey)
		if err == nil {
			body = rc
		} else {
			p.logger.Debug("ingest_storage_open_failed", "file_id", file.ID, "err", err)
		}
	}
	if body == nil {
		rc, err := p.download(ctx, file.URL)
		if err != nil {
			return "", err
		}
		body = rc
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "quill-*.pdf")
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, body); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("copy document: %w", err)
	}
	return tmp.Name(), nil
}

func (p *Pipeline) download(ctx context.Context, url string) (io.ReadCloser, error) {
	if url == "" {
		return nil, errors.New("file has no storage key or url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download document: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed: %s", resp.Status)
	}
	return resp.Body, nil
}

func (p *Pipeline) embedAndUpsert(ctx context.Context, file domain.File, pages []Page) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for start := 0; start < len(pages); start += p.batchSize {
		batch := pages[start:min(start+p.batchSize, len(pages))]
		g.Go(func() error {
			return p.processBatch(gctx, file, batch)
		})
	}
	return g.Wait()
}

func (p *Pipeline) processBatch(ctx context.Context, file domain.File, batch []Page) error {
	texts := make([]string, len(batch))
	for i, page := range batch {
		texts[i] = page.Text
	}
	vectors, err := ai.EmbedAll(ctx, p.embedder, texts, ai.TaskDocument)
	if err != nil {
		return fmt.Errorf("embed pages: %w", err)
	}
	records := make([]vectorindex.Record, len(batch))
	for i, page := range batch {
		records[i] = vectorindex.Record{
			Chunk: domain.Chunk{
				ID:     ChunkID(file.ID, page.Number),
				FileID: file.ID,
				Page:   page.Number,
				Text:   page.Text,
				Meta:   map[string]string{"source": "pdf", "fileName": file.Name},
			},
			Vector: vectors[i],
		}
	}
	if err := p.index.Upsert(ctx, file.ID, records); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	return nil
}

// ChunkID is stable per file and page so a redelivered job overwrites
// instead of duplicating.
func ChunkID(fileID string, page int) string {
	return fileID + "#p" + strconv.Itoa(page)
}
