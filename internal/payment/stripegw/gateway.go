package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/anouar4070/MediTime-2/internal/payment"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BackendURL overrides the Stripe API host, for tests.
	BackendURL string
}

// Gateway implements payment.Gateway on Stripe Checkout Sessions.
type Gateway struct {
	api           *client.API
	webhookSecret string
}

func New(cfg Config) *Gateway {
	var backends *stripe.Backends
	if cfg.BackendURL != "" {
		b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
		})
		backends = &stripe.Backends{API: b, Connect: b, Uploads: b}
	}
	return &Gateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *Gateway) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.GatewaySession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.AppointmentID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
					UnitAmount: stripe.Int64(MinorUnits(req.Amount)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		// cards settle before the session completes, so no delayed verdicts
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.AddMetadata("appointment_id", req.AppointmentID.String())

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return toGatewaySession(s), nil
}

func (g *Gateway) RetrieveSession(ctx context.Context, id string) (*payment.GatewaySession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && (serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing) {
			return nil, payment.ErrSessionNotFound
		}
		return nil, fmt.Errorf("stripe retrieve checkout session: %w", err)
	}
	return toGatewaySession(s), nil
}

// SessionFromWebhook verifies a webhook delivery and returns the checkout
// session it concerns. Event types that carry no payment verdict yield "".
func (g *Gateway) SessionFromWebhook(payload []byte, signature string) (string, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch ev.Type {
	case "checkout.session.completed",
		"checkout.session.expired":
	default:
		return "", nil
	}

	var s stripe.CheckoutSession
	if ev.Data == nil {
		return "", fmt.Errorf("webhook %s has no data", ev.ID)
	}
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return "", fmt.Errorf("decode checkout session: %w", err)
	}
	return s.ID, nil
}

func toGatewaySession(s *stripe.CheckoutSession) *payment.GatewaySession {
	gs := &payment.GatewaySession{
		ID:              s.ID,
		URL:             s.URL,
		Verdict:         Verdict(s),
		ClientReference: s.ClientReferenceID,
	}
	if s.PaymentIntent != nil {
		gs.PaymentRef = s.PaymentIntent.ID
	}
	return gs
}

// Verdict maps a checkout session onto the engine's three outcomes. An
// expired session can no longer be paid, and a card session that completed
// unpaid never will be.
func Verdict(s *stripe.CheckoutSession) payment.Verdict {
	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return payment.VerdictPaid
	case s.Status == stripe.CheckoutSessionStatusExpired:
		return payment.VerdictFailed
	case s.Status == stripe.CheckoutSessionStatusComplete &&
		s.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid:
		return payment.VerdictFailed
	default:
		return payment.VerdictPending
	}
}

// MinorUnits converts a decimal amount to cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
