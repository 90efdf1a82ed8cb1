package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"quillai/pkg/domain"
)

// gracePeriod keeps a subscription active past its period end while the
// renewal invoice settles.
const gracePeriod = 24 * time.Hour

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUserNotFound     = errors.New("billing user not found")
	ErrNotConfigured    = errors.New("billing not configured")
)

// Users is the persistence the gateway needs.
type Users interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (domain.User, bool, error)
	UpdateBilling(ctx context.Context, userID string, b domain.Billing) error
}

type Config struct {
	Provider      Provider
	Users         Users
	ProPriceID    string
	AppBaseURL    string
	WebhookSecret string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Gateway resolves entitlements and drives checkout, the billing portal and
// the provider webhook.
type Gateway struct {
	provider      Provider
	users         Users
	plans         []Plan
	proPriceID    string
	returnURL     string
	webhookSecret string
	logger        *slog.Logger
	now           func() time.Time
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Users == nil {
		return nil, errors.New("billing users store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		provider:      cfg.Provider,
		users:         cfg.Users,
		plans:         Plans(cfg.ProPriceID),
		proPriceID:    cfg.ProPriceID,
		returnURL:     strings.TrimRight(cfg.AppBaseURL, "/") + "/dashboard/billing",
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
		now:           now,
	}, nil
}

// entitled reports whether a provider subscription status grants the paid
// plan. past_due is honoured only while the stored period end plus the grace
// window has not passed, which Resolve checks first.
func entitled(status string) bool {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}

// Resolve derives the user's plan. Missing keys, an unknown price, a provider
// failure or a subscription the provider no longer reports as live all
// resolve to Free.
func (g *Gateway) Resolve(ctx context.Context, u domain.User) SubscriptionPlan {
	b := u.Billing
	if b.PriceID == "" || b.SubscriptionID == "" || b.CurrentPeriodEnd == nil {
		return freePlan()
	}
	if !b.CurrentPeriodEnd.Add(gracePeriod).After(g.now()) {
		return freePlan()
	}
	plan, ok := g.planByPrice(b.PriceID)
	if !ok {
		g.logger.Warn("billing_unknown_price", "user_id", u.ID, "price_id", b.PriceID)
		return freePlan()
	}
	if g.provider == nil {
		return freePlan()
	}
	sub, err := g.provider.GetSubscription(ctx, b.SubscriptionID)
	if err != nil {
		g.logger.Warn("billing_subscription_lookup_failed", "user_id", u.ID, "err", err)
		return freePlan()
	}
	if !entitled(sub.Status) {
		g.logger.Info("billing_subscription_inactive", "user_id", u.ID, "status", sub.Status)
		return freePlan()
	}
	end := *b.CurrentPeriodEnd
	return SubscriptionPlan{
		Plan:             plan,
		IsSubscribed:     true,
		IsCanceled:       sub.CancelAtPeriodEnd,
		CurrentPeriodEnd: &end,
		CustomerID:       b.CustomerID,
		SubscriptionID:   b.SubscriptionID,
	}
}

func (g *Gateway) planByPrice(priceID string) (Plan, bool) {
	for _, p := range g.plans {
		if p.PriceID != "" && p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// CreateSession returns a billing portal URL for subscribed customers and a
// Pro checkout URL for everyone else.
func (g *Gateway) CreateSession(ctx context.Context, u domain.User) (string, error) {
	if g.provider == nil {
		return "", ErrNotConfigured
	}
	plan := g.Resolve(ctx, u)
	if plan.IsSubscribed && u.CustomerID != "" {
		url, err := g.provider.CreatePortalSession(ctx, u.CustomerID, g.returnURL)
		if err != nil {
			return "", fmt.Errorf("create portal session: %w", err)
		}
		return url, nil
	}
	if g.proPriceID == "" {
		return "", ErrNotConfigured
	}
	url, err := g.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		UserID:     u.ID,
		CustomerID: u.CustomerID,
		PriceID:    g.proPriceID,
		ReturnURL:  g.returnURL,
	})
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return url, nil
}

// HandleWebhook verifies and applies one provider event. Event types that
// carry no subscription change are acknowledged without effect.
func (g *Gateway) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if g.webhookSecret == "" {
		return ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil
	}
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return g.applyCheckout(ctx, sess)
	case stripe.EventTypeInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return g.applyRenewal(ctx, inv)
	default:
		return nil
	}
}

func (g *Gateway) applyCheckout(ctx context.Context, sess stripe.CheckoutSession) error {
	userID := sess.Metadata["userId"]
	if userID == "" || sess.Subscription == nil || sess.Subscription.ID == "" {
		return nil
	}
	if g.provider == nil {
		return ErrNotConfigured
	}
	u, ok, err := g.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	sub, err := g.provider.GetSubscription(ctx, sess.Subscription.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	customerID := sub.CustomerID
	if sess.Customer != nil && sess.Customer.ID != "" {
		customerID = sess.Customer.ID
	}
	end := sub.CurrentPeriodEnd
	g.logger.Info("billing_checkout_completed", "user_id", u.ID, "subscription_id", sub.ID)
	return g.users.UpdateBilling(ctx, u.ID, domain.Billing{
		CustomerID:       customerID,
		SubscriptionID:   sub.ID,
		PriceID:          sub.PriceID,
		CurrentPeriodEnd: &end,
	})
}

func (g *Gateway) applyRenewal(ctx context.Context, inv stripe.Invoice) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	if g.provider == nil {
		return ErrNotConfigured
	}
	sub, err := g.provider.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	u, ok, err := g.users.GetUserBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: subscription %s", ErrUserNotFound, sub.ID)
	}
	b := u.Billing
	b.PriceID = sub.PriceID
	end := sub.CurrentPeriodEnd
	b.CurrentPeriodEnd = &end
	g.logger.Info("billing_renewed", "user_id", u.ID, "subscription_id", sub.ID)
	return g.users.UpdateBilling(ctx, u.ID, b)
}
