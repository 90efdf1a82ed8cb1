package store

import "time"

// GORM models used for persistence. Stripe keys are nullable so the unique
// indexes only apply to users that have them.
type UserModel struct {
	ID                     string  `gorm:"primaryKey"`
	AuthID                 string  `gorm:"uniqueIndex;not null"`
	Email                  string  `gorm:"index;not null"`
	StripeCustomerID       *string `gorm:"uniqueIndex"`
	StripeSubscriptionID   *string `gorm:"uniqueIndex"`
	StripePriceID          *string
	StripeCurrentPeriodEnd *time.Time
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type FileModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	Key          string    `gorm:"column:content_key;not null;index"`
	Name         string    `gorm:"not null"`
	URL          string    `gorm:"type:text;not null"`
	StorageKey   string    `gorm:"type:text;not null"`
	UploadStatus string    `gorm:"not null;default:PENDING"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (FileModel) TableName() string { return "files" }

type MessageModel struct {
	ID            string    `gorm:"primaryKey"`
	Text          string    `gorm:"type:text;not null"`
	IsUserMessage bool      `gorm:"not null"`
	FileID        string    `gorm:"not null;index:idx_messages_file_created,priority:1"`
	UserID        string    `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null;index:idx_messages_file_created,priority:2"`
}

func (MessageModel) TableName() string { return "messages" }
