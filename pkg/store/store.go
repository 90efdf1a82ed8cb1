package store

import (
	"context"
	"errors"

	"quillai/pkg/domain"
)

var (
	// ErrNotFound is returned by mutations addressed to a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("invalid file status transition")
	// ErrCursorNotFound is returned when a pagination cursor names no message of the file.
	ErrCursorNotFound = errors.New("message cursor not found")
)

// Store defines persistence for users, files and messages. Getters return
// (value, found, error); a missing record is not an error.
type Store interface {
	// users
	EnsureUser(ctx context.Context, u domain.User) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByAuthID(ctx context.Context, authID string) (domain.User, bool, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (domain.User, bool, error)
	GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (domain.User, bool, error)
	UpdateBilling(ctx context.Context, userID string, b domain.Billing) error

	// files
	CreateFile(ctx context.Context, f domain.File) error
	GetFile(ctx context.Context, id string) (domain.File, bool, error)
	GetFileForUser(ctx context.Context, userID, fileID string) (domain.File, bool, error)
	GetFileByKeyForUser(ctx context.Context, userID, key string) (domain.File, bool, error)
	ListFilesForUser(ctx context.Context, userID string) ([]domain.File, error)
	TransitionFileStatus(ctx context.Context, id string, to domain.FileStatus) error
	DeleteFile(ctx context.Context, id string) error

	// messages
	CreateMessage(ctx context.Context, m domain.Message) error
	RecentMessages(ctx context.Context, fileID string, limit int, excludeID string) ([]domain.Message, error)
	PageMessages(ctx context.Context, fileID, cursor string, limit int) (domain.MessagePage, error)
}
