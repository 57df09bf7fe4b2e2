package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentmethod"
	"github.com/stripe/stripe-go/v76/setupintent"
	"github.com/stripe/stripe-go/v76/subscription"

	"github.com/aurswift/aureposweb/internal/models"
)

var (
	ErrInvalidPlan           = errors.New("invalid plan")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
)

// BillingService wraps the Stripe API calls the dashboard needs to let a
// customer manage their own billing: checkout, portal, and payment methods.
// Reading and writing the local subscription/customer/license projection is
// internal/webhook's and internal/licensing's job, not this service's; it
// never touches the database.
type BillingService struct {
	proPriceID        string
	enterprisePriceID string
}

// NewBillingService creates a new billing service.
func NewBillingService(secretKey string) *BillingService {
	stripe.Key = secretKey
	return &BillingService{}
}

// SetPriceIDs sets the Stripe price IDs for subscription plans.
func (s *BillingService) SetPriceIDs(proPriceID, enterprisePriceID string) {
	s.proPriceID = proPriceID
	s.enterprisePriceID = enterprisePriceID
}

func (s *BillingService) getPriceID(plan string) string {
	switch plan {
	case "pro":
		return s.proPriceID
	case "enterprise":
		return s.enterprisePriceID
	default:
		return ""
	}
}

// GetPlanFromPriceID returns the plan name for a Stripe price ID.
func (s *BillingService) GetPlanFromPriceID(priceID string) string {
	switch priceID {
	case s.proPriceID:
		return "pro"
	case s.enterprisePriceID:
		return "enterprise"
	default:
		return "basic"
	}
}

// CreateCustomer creates a Stripe customer for a user.
func (s *BillingService) CreateCustomer(ctx context.Context, user *models.User) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(user.Name),
		Metadata: map[string]string{
			"user_id": user.ID.String(),
		},
	}

	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return c.ID, nil
}

// CreateCheckoutSession creates a Stripe checkout session for a new subscription.
func (s *BillingService) CreateCheckoutSession(ctx context.Context, stripeCustomerID, plan, successURL, cancelURL string) (string, error) {
	priceID := s.getPriceID(plan)
	if priceID == "" {
		return "", ErrInvalidPlan
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(stripeCustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			"plan": plan,
		},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe billing portal session.
func (s *BillingService) CreatePortalSession(ctx context.Context, stripeCustomerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(stripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

// ListPaymentMethods returns card payment methods for a customer.
func (s *BillingService) ListPaymentMethods(ctx context.Context, stripeCustomerID string) ([]*stripe.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(stripeCustomerID),
		Type:     stripe.String("card"),
	}

	methods := make([]*stripe.PaymentMethod, 0)
	iter := paymentmethod.List(params)
	for iter.Next() {
		methods = append(methods, iter.PaymentMethod())
	}
	return methods, iter.Err()
}

// AttachPaymentMethod attaches a payment method to a customer.
func (s *BillingService) AttachPaymentMethod(ctx context.Context, stripeCustomerID, paymentMethodID string) error {
	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(stripeCustomerID)}
	_, err := paymentmethod.Attach(paymentMethodID, params)
	if err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}
	return nil
}

// DetachPaymentMethod removes a payment method from a customer.
func (s *BillingService) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	_, err := paymentmethod.Detach(paymentMethodID, nil)
	if err != nil {
		return fmt.Errorf("detach payment method: %w", err)
	}
	return nil
}

// SetDefaultPaymentMethod sets the default payment method for a customer.
func (s *BillingService) SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, paymentMethodID string) error {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	_, err := customer.Update(stripeCustomerID, params)
	if err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}
	return nil
}

// CancelAtPeriodEnd flags a Stripe subscription to cancel at the end of the
// current billing period; the local projection is updated by the webhook
// that Stripe sends back for this change, not by this call directly.
func (s *BillingService) CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string, cancel bool) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	if _, err := subscription.Update(externalSubscriptionID, params); err != nil {
		return fmt.Errorf("update subscription cancellation flag: %w", err)
	}
	return nil
}

// ChangePlan moves a Stripe subscription to a new price with prorated
// billing. Like CancelAtPeriodEnd, the local projection updates when the
// resulting webhook arrives.
func (s *BillingService) ChangePlan(ctx context.Context, externalSubscriptionID, newPlan string) error {
	newPriceID := s.getPriceID(newPlan)
	if newPriceID == "" {
		return ErrInvalidPlan
	}

	stripeSub, err := subscription.Get(externalSubscriptionID, nil)
	if err != nil {
		return fmt.Errorf("get stripe subscription: %w", err)
	}
	if len(stripeSub.Items.Data) == 0 {
		return errors.New("subscription has no items")
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(stripeSub.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String(string(stripe.SubscriptionSchedulePhaseProrationBehaviorCreateProrations)),
	}
	if _, err := subscription.Update(externalSubscriptionID, params); err != nil {
		return fmt.Errorf("update subscription plan: %w", err)
	}
	return nil
}

// CreateSetupIntent creates a SetupIntent for adding a new payment method via Stripe.js.
func (s *BillingService) CreateSetupIntent(ctx context.Context, stripeCustomerID string) (string, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(stripeCustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	intent, err := setupintent.New(params)
	if err != nil {
		return "", fmt.Errorf("create setup intent: %w", err)
	}
	return intent.ClientSecret, nil
}
