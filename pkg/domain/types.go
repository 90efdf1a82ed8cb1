package domain

import "time"

// FileStatus is the ingestion lifecycle of an uploaded file.
type FileStatus string

const (
	StatusPending    FileStatus = "PENDING"
	StatusProcessing FileStatus = "PROCESSING"
	StatusSuccess    FileStatus = "SUCCESS"
	StatusFailed     FileStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s FileStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to moves forward. PROCESSING →
// PROCESSING is allowed so a redelivered job can resume.
func CanTransition(from, to FileStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusSuccess || to == StatusFailed
	}
	return false
}

// SourceStatuses lists the statuses from which to is reachable.
func SourceStatuses(to FileStatus) []FileStatus {
	var out []FileStatus
	for _, from := range []FileStatus{StatusPending, StatusProcessing, StatusSuccess, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type User struct {
	ID     string `json:"id"`
	AuthID string `json:"-"`
	Email  string `json:"email"`
	Billing
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Billing holds the subscription keys stored on a user. Subscription state is
// derived from these plus the billing provider on every request.
type Billing struct {
	CustomerID       string     `json:"-"`
	SubscriptionID   string     `json:"-"`
	PriceID          string     `json:"-"`
	CurrentPeriodEnd *time.Time `json:"-"`
}

type File struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	URL        string     `json:"url"`
	StorageKey string     `json:"-"`
	Status     FileStatus `json:"uploadStatus"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Message struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	IsUserMessage bool      `json:"isUserMessage"`
	FileID        string    `json:"-"`
	UserID        string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Chunk is one page of a document as stored in the vector index.
type Chunk struct {
	ID     string            `json:"id"`
	FileID string            `json:"fileId"`
	Page   int               `json:"page"`
	Text   string            `json:"text"`
	Meta   map[string]string `json:"metadata,omitempty"`
}

// MessagePage is one page of history, newest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}
