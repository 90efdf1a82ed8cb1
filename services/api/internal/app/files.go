package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"quillai/internal/util"
	"quillai/pkg/domain"
	"quillai/pkg/storage"
	"quillai/pkg/store"
)

const pdfContentType = "application/pdf"

// UploadInput is one uploaded file as received by the server.
type UploadInput struct {
	FileName string
	Size     int64
	Body     io.Reader
}

// UploadResult is returned to the client, which passes it back to SaveFile.
type UploadResult struct {
	Key        string `json:"key"`
	URL        string `json:"url"`
	FileName   string `json:"fileName"`
	StorageKey string `json:"storageKey"`
}

// Upload stores a PDF under a fresh key in the user's prefix. Size is checked
// against the caller's plan ceiling.
func (a *App) Upload(ctx context.Context, user domain.User, in UploadInput) (UploadResult, error) {
	name := strings.TrimSpace(in.FileName)
	if name == "" || in.Body == nil {
		return UploadResult{}, fmt.Errorf("%w: no file to upload", ErrInvalidInput)
	}
	plan := a.billing.Resolve(ctx, user)
	if in.Size > plan.MaxFileBytes() {
		return UploadResult{}, fmt.Errorf("%w: %s is %dMB; the %s plan allows up to %dMB",
			ErrFileTooLarge, name, in.Size>>20, plan.Name, plan.MaxFileMB)
	}
	body := bufio.NewReader(in.Body)
	head, _ := body.Peek(512)
	if !isPDF(name, head) {
		return UploadResult{}, ErrUnsupportedType
	}
	key := storage.BuildKey(user.ID, name)
	info, err := a.objects.Put(ctx, key, body, in.Size, pdfContentType)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: store object: %v", ErrUpstream, err)
	}
	url, err := a.objects.URL(ctx, key)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: object url: %v", ErrUpstream, err)
	}
	return UploadResult{Key: info.MD5, URL: url, FileName: name, StorageKey: key}, nil
}

func isPDF(name string, head []byte) bool {
	if len(head) > 0 {
		return http.DetectContentType(head) == pdfContentType
	}
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// SaveFileInput echoes an UploadResult.
type SaveFileInput struct {
	Key        string `json:"key"`
	FileName   string `json:"fileName"`
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

// SaveFile records an uploaded object as a PENDING file and starts its
// ingestion. A dispatch failure marks the file FAILED.
func (a *App) SaveFile(ctx context.Context, user domain.User, in SaveFileInput) (domain.File, error) {
	in.Key = strings.TrimSpace(in.Key)
	in.FileName = strings.TrimSpace(in.FileName)
	if in.Key == "" || in.FileName == "" {
		return domain.File{}, fmt.Errorf("%w: key and fileName required", ErrInvalidInput)
	}
	if !storage.OwnedBy(in.StorageKey, user.ID) {
		return domain.File{}, fmt.Errorf("%w: storageKey does not belong to caller", ErrInvalidInput)
	}
	url := strings.TrimSpace(in.URL)
	if url == "" {
		var err error
		if url, err = a.objects.URL(ctx, in.StorageKey); err != nil {
			return domain.File{}, fmt.Errorf("%w: object url: %v", ErrUpstream, err)
		}
	}
	now := a.now().UTC()
	f := domain.File{
		ID:         util.NewID(),
		UserID:     user.ID,
		Key:        in.Key,
		Name:       in.FileName,
		URL:        url,
		StorageKey: in.StorageKey,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.CreateFile(ctx, f); err != nil {
		return domain.File{}, fmt.Errorf("create file: %w", err)
	}
	if err := a.dispatcher.Dispatch(ctx, f.ID); err != nil {
		a.logger.Error("ingest_dispatch_failed", "file_id", f.ID, "err", err)
		if terr := a.store.TransitionFileStatus(context.WithoutCancel(ctx), f.ID, domain.StatusFailed); terr == nil {
			f.Status = domain.StatusFailed
		}
		return f, fmt.Errorf("%w: dispatch ingestion: %v", ErrUpstream, err)
	}
	return f, nil
}

func (a *App) ListFiles(ctx context.Context, user domain.User) ([]domain.File, error) {
	files, err := a.store.ListFilesForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if files == nil {
		files = []domain.File{}
	}
	return files, nil
}

func (a *App) GetFile(ctx context.Context, user domain.User, fileID string) (domain.File, error) {
	return a.ownedFile(ctx, user, fileID)
}

// GetFileByKey resolves the newest file of the caller with the content key.
func (a *App) GetFileByKey(ctx context.Context, user domain.User, key string) (domain.File, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.File{}, fmt.Errorf("%w: key required", ErrInvalidInput)
	}
	f, ok, err := a.store.GetFileByKeyForUser(ctx, user.ID, key)
	if err != nil {
		return domain.File{}, fmt.Errorf("load file: %w", err)
	}
	if !ok {
		return domain.File{}, ErrFileNotFound
	}
	return f, nil
}

// FileStatus reports PENDING for files the caller cannot see, which is
// indistinguishable from a freshly saved upload.
func (a *App) FileStatus(ctx context.Context, user domain.User, fileID string) (domain.FileStatus, error) {
	f, err := a.ownedFile(ctx, user, fileID)
	if errors.Is(err, ErrFileNotFound) {
		return domain.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return f.Status, nil
}

// DeleteFile removes the record and its messages, then the stored object and
// the vector namespace. The latter two are best effort.
func (a *App) DeleteFile(ctx context.Context, user domain.User, fileID string) (domain.File, error) {
	f, err := a.ownedFile(ctx, user, fileID)
	if err != nil {
		return domain.File{}, err
	}
	if err := a.store.DeleteFile(ctx, f.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.File{}, ErrFileNotFound
		}
		return domain.File{}, fmt.Errorf("delete file: %w", err)
	}
	cleanupCtx := context.WithoutCancel(ctx)
	if f.StorageKey != "" {
		if err := a.objects.Delete(cleanupCtx, f.StorageKey); err != nil {
			a.logger.Warn("object_delete_failed", "file_id", f.ID, "err", err)
		}
	}
	if err := a.index.DeleteNamespace(cleanupCtx, f.ID); err != nil {
		a.logger.Warn("namespace_delete_failed", "file_id", f.ID, "err", err)
	}
	return f, nil
}

const (
	DefaultMessagePageSize = 10
	MaxMessagePageSize     = 100
)

// Messages pages a file's history newest first. limit 0 selects the default.
func (a *App) Messages(ctx context.Context, user domain.User, fileID, cursor string, limit int) (domain.MessagePage, error) {
	if limit == 0 {
		limit = DefaultMessagePageSize
	}
	if limit < 1 || limit > MaxMessagePageSize {
		return domain.MessagePage{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxMessagePageSize)
	}
	f, err := a.ownedFile(ctx, user, fileID)
	if err != nil {
		return domain.MessagePage{}, err
	}
	page, err := a.store.PageMessages(ctx, f.ID, strings.TrimSpace(cursor), limit)
	if errors.Is(err, store.ErrCursorNotFound) {
		return domain.MessagePage{}, fmt.Errorf("%w: unknown cursor", ErrInvalidInput)
	}
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("page messages: %w", err)
	}
	return page, nil
}
