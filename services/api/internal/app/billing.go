package app

import (
	"context"
	"errors"
	"fmt"

	"quillai/pkg/billing"
	"quillai/pkg/domain"
)

// Plan resolves the caller's subscription. Provider failures resolve to Free.
func (a *App) Plan(ctx context.Context, user domain.User) billing.SubscriptionPlan {
	return a.billing.Resolve(ctx, user)
}

// BillingSession returns a checkout or billing portal URL.
func (a *App) BillingSession(ctx context.Context, user domain.User) (string, error) {
	url, err := a.billing.CreateSession(ctx, user)
	if err != nil {
		return "", fmt.Errorf("%w: billing session: %v", ErrUpstream, err)
	}
	return url, nil
}

// HandleBillingWebhook applies a signed provider event.
func (a *App) HandleBillingWebhook(ctx context.Context, payload []byte, signature string) error {
	err := a.billing.HandleWebhook(ctx, payload, signature)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, billing.ErrInvalidSignature), errors.Is(err, billing.ErrNotConfigured):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, billing.ErrUserNotFound):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}
