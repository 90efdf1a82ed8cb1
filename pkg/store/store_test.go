package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	gormlogger "gorm.io/gorm/logger"
	"quillai/pkg/domain"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn against the SQLite-backed GormStore and the MemoryStore.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("gorm", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "quill.db")
		s, err := NewGormStore("",
			WithDialector(sqlite.Open(path)),
			WithLogger(gormlogger.Discard),
		)
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func seedUserAndFile(t *testing.T, s Store, userID, fileID string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := s.EnsureUser(ctx, domain.User{ID: userID, AuthID: "kp_" + userID, Email: userID + "@example.com"}); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	err := s.CreateFile(ctx, domain.File{
		ID:         fileID,
		UserID:     userID,
		Key:        "md5-" + fileID,
		Name:       fileID + ".pdf",
		URL:        "https://storage.example.com/" + fileID,
		StorageKey: userID + "/" + fileID + ".pdf_uuid",
		Status:     domain.StatusPending,
		CreatedAt:  base,
		UpdatedAt:  base,
	})
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, created, err := s.EnsureUser(ctx, domain.User{ID: "u1", AuthID: "kp_1", Email: "a@example.com"})
		if err != nil || !created {
			t.Fatalf("first ensure: created=%v err=%v", created, err)
		}
		again, created, err := s.EnsureUser(ctx, domain.User{ID: "u2", AuthID: "kp_1", Email: "a@example.com"})
		if err != nil || created {
			t.Fatalf("second ensure: created=%v err=%v", created, err)
		}
		if again.ID != first.ID {
			t.Fatalf("expected existing user %s, got %s", first.ID, again.ID)
		}
	})
}

func TestUpdateBillingAndLookups(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "u1", "f1")
		end := base.Add(30 * 24 * time.Hour)
		err := s.UpdateBilling(ctx, "u1", domain.Billing{
			CustomerID:       "cus_1",
			SubscriptionID:   "sub_1",
			PriceID:          "price_pro",
			CurrentPeriodEnd: &end,
		})
		if err != nil {
			t.Fatalf("update billing: %v", err)
		}
		byCustomer, ok, err := s.GetUserByCustomerID(ctx, "cus_1")
		if err != nil || !ok || byCustomer.ID != "u1" {
			t.Fatalf("by customer: %+v ok=%v err=%v", byCustomer, ok, err)
		}
		bySub, ok, err := s.GetUserBySubscriptionID(ctx, "sub_1")
		if err != nil || !ok || bySub.PriceID != "price_pro" || bySub.CurrentPeriodEnd == nil || !bySub.CurrentPeriodEnd.Equal(end) {
			t.Fatalf("by subscription: %+v ok=%v err=%v", bySub, ok, err)
		}
		if _, ok, _ := s.GetUserByCustomerID(ctx, ""); ok {
			t.Fatalf("blank customer id must not match")
		}
		if err := s.UpdateBilling(ctx, "missing", domain.Billing{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFileOwnershipScoping(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "alice", "f-alice")
		seedUserAndFile(t, s, "bob", "f-bob")

		if _, ok, _ := s.GetFileForUser(ctx, "alice", "f-bob"); ok {
			t.Fatalf("alice must not see bob's file")
		}
		if _, ok, _ := s.GetFileByKeyForUser(ctx, "alice", "md5-f-bob"); ok {
			t.Fatalf("alice must not resolve bob's key")
		}
		got, ok, err := s.GetFileByKeyForUser(ctx, "alice", "md5-f-alice")
		if err != nil || !ok || got.ID != "f-alice" {
			t.Fatalf("by key: %+v ok=%v err=%v", got, ok, err)
		}
		files, err := s.ListFilesForUser(ctx, "alice")
		if err != nil || len(files) != 1 || files[0].ID != "f-alice" {
			t.Fatalf("list: %+v err=%v", files, err)
		}
	})
}

func TestTransitionFileStatusIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "u1", "f1")

		steps := []struct {
			to      domain.FileStatus
			wantErr error
		}{
			{to: domain.StatusSuccess, wantErr: ErrInvalidTransition},
			{to: domain.StatusProcessing},
			{to: domain.StatusProcessing},
			{to: domain.StatusSuccess},
			{to: domain.StatusProcessing, wantErr: ErrInvalidTransition},
			{to: domain.StatusFailed, wantErr: ErrInvalidTransition},
			{to: domain.StatusPending, wantErr: ErrInvalidTransition},
		}
		for i, step := range steps {
			err := s.TransitionFileStatus(ctx, "f1", step.to)
			if !errors.Is(err, step.wantErr) {
				t.Fatalf("step %d to %s: err=%v want %v", i, step.to, err, step.wantErr)
			}
		}
		f, _, _ := s.GetFile(ctx, "f1")
		if f.Status != domain.StatusSuccess {
			t.Fatalf("final status = %s, want SUCCESS", f.Status)
		}
		if err := s.TransitionFileStatus(ctx, "nope", domain.StatusProcessing); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDeleteFileRemovesMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "u1", "f1")
		addMessages(t, s, "u1", "f1", 3)

		if err := s.DeleteFile(ctx, "f1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetFile(ctx, "f1"); ok {
			t.Fatalf("file still present")
		}
		recent, err := s.RecentMessages(ctx, "f1", 10, "")
		if err != nil || len(recent) != 0 {
			t.Fatalf("messages survived delete: %v err=%v", recent, err)
		}
		if err := s.DeleteFile(ctx, "f1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete: expected ErrNotFound, got %v", err)
		}
	})
}

func TestRecentMessagesNewestFirstWithExclusion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "u1", "f1")
		ids := addMessages(t, s, "u1", "f1", 8)

		got, err := s.RecentMessages(ctx, "f1", 6, ids[7])
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(got) != 6 {
			t.Fatalf("len = %d, want 6", len(got))
		}
		for i, msg := range got {
			if want := ids[6-i]; msg.ID != want {
				t.Fatalf("recent[%d] = %s, want %s", i, msg.ID, want)
			}
		}
	})
}

func TestPageMessagesChainsWithoutGapsOrDuplicates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "u1", "f1")
		ids := addMessages(t, s, "u1", "f1", 7)

		var seen []string
		cursor := ""
		for pages := 0; ; pages++ {
			if pages > 10 {
				t.Fatalf("pagination did not terminate")
			}
			page, err := s.PageMessages(ctx, "f1", cursor, 3)
			if err != nil {
				t.Fatalf("page: %v", err)
			}
			if len(page.Messages) > 3 {
				t.Fatalf("page larger than limit: %d", len(page.Messages))
			}
			for _, m := range page.Messages {
				seen = append(seen, m.ID)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		if len(seen) != len(ids) {
			t.Fatalf("saw %d messages, want %d: %v", len(seen), len(ids), seen)
		}
		for i := range seen {
			if want := ids[len(ids)-1-i]; seen[i] != want {
				t.Fatalf("seen[%d] = %s, want %s", i, seen[i], want)
			}
		}
	})
}

func TestPageMessagesCursorOnlyWhenMoreExist(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedUserAndFile(t, s, "u1", "f1")
		addMessages(t, s, "u1", "f1", 3)

		exact, err := s.PageMessages(ctx, "f1", "", 3)
		if err != nil || len(exact.Messages) != 3 || exact.NextCursor != "" {
			t.Fatalf("exact page: %+v err=%v", exact, err)
		}
		short, err := s.PageMessages(ctx, "f1", "", 2)
		if err != nil || len(short.Messages) != 2 || short.NextCursor != short.Messages[1].ID {
			t.Fatalf("short page: %+v err=%v", short, err)
		}
		if _, err := s.PageMessages(ctx, "f1", "not-a-message", 2); !errors.Is(err, ErrCursorNotFound) {
			t.Fatalf("expected ErrCursorNotFound, got %v", err)
		}
	})
}

// addMessages stores n alternating messages one second apart and returns
// their IDs oldest first.
func addMessages(t *testing.T, s Store, userID, fileID string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-m%02d", fileID, i)
		err := s.CreateMessage(context.Background(), domain.Message{
			ID:            id,
			Text:          fmt.Sprintf("message %d", i),
			IsUserMessage: i%2 == 0,
			FileID:        fileID,
			UserID:        userID,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}
