package client

import (
	"errors"
	"fmt"

	"quillai/pkg/billing"
)

// ErrFileTooLarge is returned by CheckSize before any upload is attempted.
var ErrFileTooLarge = errors.New("file too large")

// CheckSize rejects files over the plan ceiling. The API enforces the same
// ceiling; this check only spares the round trip.
func CheckSize(plan billing.Plan, name string, size int64) error {
	if size <= plan.MaxFileBytes() {
		return nil
	}
	return fmt.Errorf("%w: %s is %dMB; the %s plan allows up to %dMB",
		ErrFileTooLarge, name, size>>20, plan.Name, plan.MaxFileMB)
}
