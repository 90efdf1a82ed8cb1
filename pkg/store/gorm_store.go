package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"quillai/pkg/domain"
)

const migrateLockID int64 = 48151623

type GormStoreOptions struct {
	Dialector gorm.Dialector
	Logger    gormlogger.Interface
	Now       func() time.Time
}

type GormStoreOption func(*GormStoreOptions)

// WithDialector opens the store on an explicit dialector instead of the DSN.
func WithDialector(d gorm.Dialector) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Dialector = d
	}
}

// WithLogger replaces the slog-backed gorm logger.
func WithLogger(l gormlogger.Interface) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Logger = l
	}
}

// WithClock sets the time source for updated_at stamps.
func WithClock(now func() time.Time) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Now = now
	}
}

// Dialector maps a configured driver name to a gorm dialector.
// "postgres" is the default; "sqlite" is meant for development and tests.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dialector := opts.Dialector
	if dialector == nil {
		dialector = postgres.Open(dsn)
	}
	if opts.Logger == nil {
		opts.Logger = gormlogger.New(
			slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  opts.Logger,
		NowFunc: func() time.Time { return now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &FileModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, now: opts.Now}, nil
}

// DB exposes the connection so the pgvector index can share it.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withMigrationLock serialises migrations across replicas with a Postgres
// advisory lock. Other dialects migrate without locking.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// EnsureUser inserts u unless a user with the same auth ID exists, and returns
// the stored record with whether it was created by this call.
func (s *GormStore) EnsureUser(ctx context.Context, u domain.User) (domain.User, bool, error) {
	model := userToModel(u)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "auth_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.User{}, false, res.Error
	}
	stored, ok, err := s.GetUserByAuthID(ctx, u.AuthID)
	if err != nil {
		return domain.User{}, false, err
	}
	if !ok {
		return domain.User{}, false, fmt.Errorf("user %s vanished after insert", u.AuthID)
	}
	return stored, res.RowsAffected == 1, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.findUser(ctx, "id = ?", id)
}

// GetUserByAuthID returns the user linked to an identity-provider subject.
func (s *GormStore) GetUserByAuthID(ctx context.Context, authID string) (domain.User, bool, error) {
	return s.findUser(ctx, "auth_id = ?", authID)
}

// GetUserByCustomerID returns the user owning a Stripe customer.
func (s *GormStore) GetUserByCustomerID(ctx context.Context, customerID string) (domain.User, bool, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.User{}, false, nil
	}
	return s.findUser(ctx, "stripe_customer_id = ?", customerID)
}

// GetUserBySubscriptionID returns the user owning a Stripe subscription.
func (s *GormStore) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (domain.User, bool, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return domain.User{}, false, nil
	}
	return s.findUser(ctx, "stripe_subscription_id = ?", subscriptionID)
}

func (s *GormStore) findUser(ctx context.Context, query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateBilling overwrites the subscription keys of a user.
func (s *GormStore) UpdateBilling(ctx context.Context, userID string, b domain.Billing) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"stripe_customer_id":        nullable(b.CustomerID),
			"stripe_subscription_id":    nullable(b.SubscriptionID),
			"stripe_price_id":           nullable(b.PriceID),
			"stripe_current_period_end": b.CurrentPeriodEnd,
			"updated_at":                s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFile inserts a file record.
func (s *GormStore) CreateFile(ctx context.Context, f domain.File) error {
	model := fileToModel(f)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetFile returns a file by ID regardless of owner.
func (s *GormStore) GetFile(ctx context.Context, id string) (domain.File, bool, error) {
	return s.findFile(ctx, s.db.Where("id = ?", id))
}

// GetFileForUser returns a file only when userID owns it.
func (s *GormStore) GetFileForUser(ctx context.Context, userID, fileID string) (domain.File, bool, error) {
	return s.findFile(ctx, s.db.Where("id = ? AND user_id = ?", fileID, userID))
}

// GetFileByKeyForUser returns the newest file of userID with the content key.
func (s *GormStore) GetFileByKeyForUser(ctx context.Context, userID, key string) (domain.File, bool, error) {
	return s.findFile(ctx, s.db.Where("content_key = ? AND user_id = ?", key, userID).Order("created_at DESC"))
}

func (s *GormStore) findFile(ctx context.Context, tx *gorm.DB) (domain.File, bool, error) {
	var model FileModel
	if err := tx.WithContext(ctx).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListFilesForUser returns the user's files, newest first.
func (s *GormStore) ListFilesForUser(ctx context.Context, userID string) ([]domain.File, error) {
	var models []FileModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	files := make([]domain.File, 0, len(models))
	for _, m := range models {
		files = append(files, fileFromModel(m))
	}
	return files, nil
}

// TransitionFileStatus moves a file to status `to` only from a status that
// may precede it. The check and the write are one conditional UPDATE.
func (s *GormStore) TransitionFileStatus(ctx context.Context, id string, to domain.FileStatus) error {
	from := domain.SourceStatuses(to)
	if len(from) == 0 {
		return ErrInvalidTransition
	}
	res := s.db.WithContext(ctx).Model(&FileModel{}).
		Where("id = ? AND upload_status IN ?", id, statusStrings(from)).
		Updates(map[string]any{
			"upload_status": string(to),
			"updated_at":    s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, ok, err := s.GetFile(ctx, id); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// DeleteFile removes a file and its messages.
func (s *GormStore) DeleteFile(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "file_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&FileModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateMessage inserts a chat message.
func (s *GormStore) CreateMessage(ctx context.Context, m domain.Message) error {
	model := messageToModel(m)
	return s.db.WithContext(ctx).Create(&model).Error
}

// RecentMessages returns up to limit messages of a file, newest first,
// skipping excludeID.
func (s *GormStore) RecentMessages(ctx context.Context, fileID string, limit int, excludeID string) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	tx := s.db.WithContext(ctx).Where("file_id = ?", fileID)
	if excludeID != "" {
		tx = tx.Where("id <> ?", excludeID)
	}
	var models []MessageModel
	if err := tx.Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models), nil
}

// PageMessages returns up to limit messages older than cursor, newest first.
// NextCursor is the ID of the last returned message when older ones exist.
func (s *GormStore) PageMessages(ctx context.Context, fileID, cursor string, limit int) (domain.MessagePage, error) {
	if limit <= 0 {
		return domain.MessagePage{Messages: []domain.Message{}}, nil
	}
	tx := s.db.WithContext(ctx).Where("file_id = ?", fileID)
	if cursor != "" {
		var c MessageModel
		if err := s.db.WithContext(ctx).Where("id = ? AND file_id = ?", cursor, fileID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.MessagePage{}, ErrCursorNotFound
			}
			return domain.MessagePage{}, err
		}
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID)
	}
	var models []MessageModel
	if err := tx.Order("created_at DESC").Order("id DESC").
		Limit(limit + 1).
		Find(&models).Error; err != nil {
		return domain.MessagePage{}, err
	}
	return buildPage(messagesFromModels(models), limit), nil
}

func buildPage(msgs []domain.Message, limit int) domain.MessagePage {
	page := domain.MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.NextCursor = msgs[limit-1].ID
	}
	return page
}

func statusStrings(in []domain.FileStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func nullable(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                     u.ID,
		AuthID:                 u.AuthID,
		Email:                  u.Email,
		StripeCustomerID:       nullable(u.CustomerID),
		StripeSubscriptionID:   nullable(u.SubscriptionID),
		StripePriceID:          nullable(u.PriceID),
		StripeCurrentPeriodEnd: u.CurrentPeriodEnd,
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:     m.ID,
		AuthID: m.AuthID,
		Email:  m.Email,
		Billing: domain.Billing{
			CustomerID:       deref(m.StripeCustomerID),
			SubscriptionID:   deref(m.StripeSubscriptionID),
			PriceID:          deref(m.StripePriceID),
			CurrentPeriodEnd: m.StripeCurrentPeriodEnd,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fileToModel(f domain.File) FileModel {
	status := f.Status
	if status == "" {
		status = domain.StatusPending
	}
	return FileModel{
		ID:           f.ID,
		UserID:       f.UserID,
		Key:          f.Key,
		Name:         f.Name,
		URL:          f.URL,
		StorageKey:   f.StorageKey,
		UploadStatus: string(status),
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:         m.ID,
		UserID:     m.UserID,
		Key:        m.Key,
		Name:       m.Name,
		URL:        m.URL,
		StorageKey: m.StorageKey,
		Status:     domain.FileStatus(m.UploadStatus),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:            m.ID,
		Text:          m.Text,
		IsUserMessage: m.IsUserMessage,
		FileID:        m.FileID,
		UserID:        m.UserID,
		CreatedAt:     m.CreatedAt,
	}
}

func messagesFromModels(models []MessageModel) []domain.Message {
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, domain.Message{
			ID:            m.ID,
			Text:          m.Text,
			IsUserMessage: m.IsUserMessage,
			FileID:        m.FileID,
			UserID:        m.UserID,
			CreatedAt:     m.CreatedAt,
		})
	}
	return msgs
}
