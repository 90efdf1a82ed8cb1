package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quillai/internal/usertoken"
	"quillai/internal/util"
	"quillai/pkg/ai"
	"quillai/pkg/billing"
	"quillai/pkg/domain"
	"quillai/pkg/ingest"
	"quillai/pkg/storage"
	"quillai/pkg/store"
	"quillai/pkg/vectorindex"
)

const (
	defaultHistoryLimit   = 6
	defaultPersistTimeout = 10 * time.Second
)

// Config holds the collaborators of the API core.
type Config struct {
	Store      store.Store
	Objects    storage.ObjectStore
	Index      vectorindex.Index
	Embedder   ai.Embedder
	Chat       ai.ChatStreamer
	Billing    *billing.Gateway
	Dispatcher ingest.Dispatcher
	Logger     *slog.Logger

	TopK         int
	HistoryLimit int
	MaxTokens    int
	// PersistTimeout bounds the assistant-message write after a stream ends.
	PersistTimeout time.Duration
	Now            func() time.Time
}

// App implements uploads, file management, chat turns and billing for the
// public API.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	index          vectorindex.Index
	searcher       vectorindex.Searcher
	chat           ai.ChatStreamer
	billing        *billing.Gateway
	dispatcher     ingest.Dispatcher
	logger         *slog.Logger
	historyLimit   int
	maxTokens      int
	persistTimeout time.Duration
	now            func() time.Time
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Index == nil:
		return nil, errors.New("vector index required")
	case cfg.Embedder == nil:
		return nil, errors.New("embedder required")
	case cfg.Chat == nil:
		return nil, errors.New("chat streamer required")
	case cfg.Billing == nil:
		return nil, errors.New("billing gateway required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("ingest dispatcher required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = vectorindex.DefaultTopK
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		index:          cfg.Index,
		searcher:       vectorindex.Searcher{Embedder: cfg.Embedder, Index: cfg.Index, TopK: topK},
		chat:           cfg.Chat,
		billing:        cfg.Billing,
		dispatcher:     cfg.Dispatcher,
		logger:         logger,
		historyLimit:   historyLimit,
		maxTokens:      cfg.MaxTokens,
		persistTimeout: persistTimeout,
		now:            now,
	}, nil
}

// Bootstrap creates the account for a verified identity on first sign-in.
func (a *App) Bootstrap(ctx context.Context, id usertoken.Identity) (domain.User, bool, error) {
	subject := strings.TrimSpace(id.Subject)
	email := strings.TrimSpace(id.Email)
	if subject == "" || email == "" {
		return domain.User{}, false, fmt.Errorf("%w: identity subject and email required", ErrInvalidInput)
	}
	u, created, err := a.store.EnsureUser(ctx, domain.User{
		ID:     util.NewID(),
		AuthID: subject,
		Email:  email,
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("ensure user: %w", err)
	}
	if created {
		a.logger.Info("user_created", "user_id", u.ID)
	}
	return u, created, nil
}

// UserForSubject returns the account bound to an identity-provider subject.
// Accounts are created only through Bootstrap.
func (a *App) UserForSubject(ctx context.Context, subject string) (domain.User, error) {
	u, ok, err := a.store.GetUserByAuthID(ctx, subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrNotAuthenticated
	}
	return u, nil
}

// ownedFile loads a file and hides files of other users behind ErrFileNotFound.
func (a *App) ownedFile(ctx context.Context, user domain.User, fileID string) (domain.File, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return domain.File{}, fmt.Errorf("%w: file id required", ErrInvalidInput)
	}
	f, ok, err := a.store.GetFileForUser(ctx, user.ID, fileID)
	if err != nil {
		return domain.File{}, fmt.Errorf("load file: %w", err)
	}
	if !ok {
		return domain.File{}, ErrFileNotFound
	}
	return f, nil
}
