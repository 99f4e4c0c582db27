// Package stripe provides an AssetTransfer implementation backed by Stripe.
// TransferIn charges the subscriber through an off-session PaymentIntent;
// TransferOut pays creators and the platform through Connect transfers.
package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

const defaultCurrency = "usd"

// Config holds configuration for the Stripe transfer adapter
type Config struct {
	// APIKey is the Stripe secret key (required)
	APIKey string

	// Currency is the settlement currency for native payments
	// Default: "usd"
	Currency string

	// CustomerResolver maps a subscriber address to a Stripe Customer ID
	// with a saved default payment method (required)
	CustomerResolver func(ctx context.Context, subscriber string) (string, error)

	// AccountResolver maps a payout recipient (creator or platform owner)
	// to a Stripe Connect account ID (required)
	AccountResolver func(ctx context.Context, recipient string) (string, error)

	// TokenCurrencies maps whitelisted token addresses to Stripe currency
	// codes. Payments in a token without a mapping fall back to Currency.
	TokenCurrencies map[string]string

	// Metadata is attached to every PaymentIntent and Transfer
	Metadata map[string]string
}

// Transfer implements subplatform.AssetTransfer on top of the Stripe API
type Transfer struct {
	client          *stripe.Client
	currency        string
	customerFor     func(ctx context.Context, subscriber string) (string, error)
	accountFor      func(ctx context.Context, recipient string) (string, error)
	tokenCurrencies map[string]string
	metadata        map[string]string
}

// New creates a new Stripe transfer adapter
func New(config Config) (*Transfer, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe: API key is required")
	}
	if config.CustomerResolver == nil {
		return nil, fmt.Errorf("stripe: CustomerResolver is required")
	}
	if config.AccountResolver == nil {
		return nil, fmt.Errorf("stripe: AccountResolver is required")
	}

	currency := strings.ToLower(strings.TrimSpace(config.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	tokenCurrencies := make(map[string]string)
	for token, cur := range config.TokenCurrencies {
		tokenCurrencies[strings.ToLower(token)] = strings.ToLower(cur)
	}

	return &Transfer{
		client:          stripe.NewClient(apiKey),
		currency:        currency,
		customerFor:     config.CustomerResolver,
		accountFor:      config.AccountResolver,
		tokenCurrencies: tokenCurrencies,
		metadata:        config.Metadata,
	}, nil
}

// TransferIn charges the subscriber's saved payment method for the tier
// price through an off-session PaymentIntent.
func (t *Transfer) TransferIn(ctx context.Context, from, token string, amount int64) error {
	customerID, err := t.customerFor(ctx, from)
	if err != nil {
		return fmt.Errorf("%w: resolving customer for %s: %v", subplatform.ErrTransferFailed, from, err)
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:     stripe.Int64(amount),
		Currency:   stripe.String(t.currencyFor(token)),
		Customer:   stripe.String(customerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	for k, v := range t.metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("payer", from)

	intent, err := t.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: charging %s: %v", subplatform.ErrTransferFailed, from, err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: payment intent %s in status %s", subplatform.ErrTransferFailed, intent.ID, intent.Status)
	}
	return nil
}

// TransferOut pays a recipient's connected account via a Connect transfer.
func (t *Transfer) TransferOut(ctx context.Context, to, token string, amount int64) error {
	if amount == 0 {
		return nil
	}

	accountID, err := t.accountFor(ctx, to)
	if err != nil {
		return fmt.Errorf("%w: resolving account for %s: %v", subplatform.ErrTransferFailed, to, err)
	}

	params := &stripe.TransferCreateParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(t.currencyFor(token)),
		Destination: stripe.String(accountID),
	}
	for k, v := range t.metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("recipient", to)

	if _, err := t.client.V1Transfers.Create(ctx, params); err != nil {
		return fmt.Errorf("%w: paying out to %s: %v", subplatform.ErrTransferFailed, to, err)
	}
	return nil
}

// currencyFor returns the settlement currency for a payment asset. An empty
// token means the native asset and uses the configured default currency.
func (t *Transfer) currencyFor(token string) string {
	if token == "" {
		return t.currency
	}
	if cur, ok := t.tokenCurrencies[strings.ToLower(token)]; ok {
		return cur
	}
	return t.currency
}
