package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anouar4070/MediTime-2/internal/appointment"
	"github.com/anouar4070/MediTime-2/internal/auth"
	"github.com/anouar4070/MediTime-2/internal/availability"
	"github.com/anouar4070/MediTime-2/internal/lock"
	"github.com/anouar4070/MediTime-2/internal/metrics"
	"github.com/anouar4070/MediTime-2/internal/payment"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

type stubGateway struct {
	mu       sync.Mutex
	sessions map[string]*payment.GatewaySession
}

func (g *stubGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.GatewaySession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("cs_%d", len(g.sessions)+1)
	gs := &payment.GatewaySession{ID: id, URL: "https://pay.test/" + id, Verdict: payment.VerdictPending, ClientReference: req.AppointmentID.String()}
	g.sessions[id] = gs
	return gs, nil
}

func (g *stubGateway) RetrieveSession(_ context.Context, id string) (*payment.GatewaySession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gs, ok := g.sessions[id]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	cp := *gs
	return &cp, nil
}

func (g *stubGateway) pay(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id].Verdict = payment.VerdictPaid
}

// stubWebhooks trusts the body as the session id when the signature is "ok".
type stubWebhooks struct{}

func (stubWebhooks) SessionFromWebhook(payload []byte, signature string) (string, error) {
	if signature != "ok" {
		return "", errors.New("bad signature")
	}
	return string(payload), nil
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	auth    *auth.Authenticator
	gateway *stubGateway
	admin   string
}

func newTestServer(t *testing.T, rl RateLimitConfig, deps ...Dependency) *testServer {
	t.Helper()

	log := zerolog.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := appointment.NewMemoryStore()
	index := availability.NewMemoryIndex()
	view := availability.NewCachedView(index, availability.Hours{Open: "10:00", Close: "12:00"}, 30*time.Minute, time.Minute)
	providers := provider.NewService(provider.NewMemoryRepository(), log)
	appts := appointment.NewService(store, index, providers, lock.NewLocal(), log, m, appointment.Options{
		SlotGrid:    30 * time.Minute,
		Invalidator: view,
	})
	gw := &stubGateway{sessions: map[string]*payment.GatewaySession{}}
	engine := payment.NewEngine(store, payment.NewMemorySessionStore(), gw, payment.Config{Currency: "usd"}, log, m)
	authn := auth.NewAuthenticator("test-secret", "")

	admin, err := authn.Issue("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	return &testServer{
		t: t,
		handler: NewRouter(RouterConfig{
			Appointments: appts,
			Providers:    providers,
			Payments:     engine,
			Availability: view,
			Webhooks:     stubWebhooks{},
			Auth:         authn,
			Dependencies: deps,
			Metrics:      m,
			Gatherer:     reg,
			RateLimit:    rl,
			Log:          log,
		}),
		auth:    authn,
		gateway: gw,
		admin:   admin,
	}
}

func (s *testServer) token(subject string) string {
	tok, err := s.auth.Issue(subject, "", time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createProvider() ProviderResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/admin/providers", s.admin, map[string]any{
		"name":       "Dr. Sarra",
		"email":      "sarra@example.com",
		"speciality": "Dermatologist",
		"degree":     "MBBS",
		"experience": "6 Years",
		"about":      "Skin care",
		"address":    map[string]string{"line1": "5 Avenue Habib Bourguiba"},
		"fees":       "50",
		"available":  true,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	var p ProviderResponse
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	up := Dependency{Name: "postgres", Critical: true, Pinger: PingFunc(func(context.Context) error { return nil })}
	down := Dependency{Name: "redis", Pinger: PingFunc(func(context.Context) error { return errors.New("refused") })}

	s := newTestServer(t, RateLimitConfig{}, up, down)

	rec := s.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	ready := decodeBody[ReadinessResponse](t, rec)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "down", ready.Dependencies["redis"])

	critical := Dependency{Name: "postgres", Critical: true, Pinger: PingFunc(func(context.Context) error { return errors.New("down") })}
	s = newTestServer(t, RateLimitConfig{}, critical)
	rec = s.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meditime_http_requests_total")
}

func TestBookingLifecycle(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})
	p := s.createProvider()
	u1, u2 := s.token("u1"), s.token("u2")

	book := map[string]string{"provider_id": p.ID.String(), "slot_date": "2025-07-10", "slot_time": "10:00"}

	rec := s.do(http.MethodPost, "/appointments", u1, book)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decodeBody[AppointmentResponse](t, rec)
	assert.Equal(t, "50.00", appt.Amount)
	assert.Equal(t, "Dr. Sarra", appt.ProviderName)
	assert.Equal(t, "unpaid", appt.PaymentStatus)

	rec = s.do(http.MethodPost, "/appointments", u2, book)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_taken", decodeBody[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodGet, "/providers/"+p.ID.String()+"/availability?date=2025-07-10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	day := decodeBody[availability.DaySchedule](t, rec)
	require.NotEmpty(t, day.Slots)
	assert.Equal(t, availability.SlotStatus{Time: "10:00", Free: false}, day.Slots[0])

	// u2 cannot see or cancel u1's appointment
	rec = s.do(http.MethodGet, "/appointments/"+appt.ID.String(), u2, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", u2, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", u1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[AppointmentResponse](t, rec).Cancelled)

	// cancelling twice is fine
	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", u1, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/appointments", u2, book)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/appointments", u1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[ListResponse[AppointmentResponse]](t, rec)
	assert.Len(t, list.Items, 1)
}

func TestBookingRejections(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})
	p := s.createProvider()
	u1 := s.token("u1")

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", "", map[string]string{}, http.StatusUnauthorized, "missing_token"},
		{"bad json", u1, "{", http.StatusBadRequest, "invalid_request_body"},
		{"missing fields", u1, map[string]string{}, http.StatusBadRequest, "validation_failed"},
		{"off grid", u1, map[string]string{"provider_id": p.ID.String(), "slot_date": "2025-07-10", "slot_time": "10:10"}, http.StatusBadRequest, "invalid_slot"},
		{"unknown provider", u1, map[string]string{"provider_id": "7b0c2b4e-6f0e-4a57-9b1c-2f1f0c0d1e2a", "slot_date": "2025-07-10", "slot_time": "10:00"}, http.StatusNotFound, "provider_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/appointments", tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestProviderUnavailable(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})
	p := s.createProvider()

	rec := s.do(http.MethodPatch, "/admin/providers/"+p.ID.String(), s.admin, map[string]any{"available": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/appointments", s.token("u1"),
		map[string]string{"provider_id": p.ID.String(), "slot_date": "2025-07-10", "slot_time": "10:00"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "provider_unavailable", decodeBody[ErrorResponse](t, rec).Error)
}

func TestAdminRequiresRole(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})

	rec := s.do(http.MethodPost, "/admin/providers", s.token("u1"), map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPaymentFlow(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})
	p := s.createProvider()
	u1 := s.token("u1")

	rec := s.do(http.MethodPost, "/appointments", u1,
		map[string]string{"provider_id": p.ID.String(), "slot_date": "2025-07-10", "slot_time": "11:00"})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decodeBody[AppointmentResponse](t, rec)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/payment", s.token("u2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/payment", u1, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decodeBody[payment.SessionRef](t, rec)
	assert.NotEmpty(t, ref.URL)

	rec = s.do(http.MethodPost, "/payments/confirm", u1, map[string]string{"session_id": ref.SessionID})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "payment_pending", decodeBody[ErrorResponse](t, rec).Error)

	s.gateway.pay(ref.SessionID)

	rec = s.do(http.MethodPost, "/payments/confirm", u1, map[string]string{"session_id": ref.SessionID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/appointments/"+appt.ID.String(), u1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid", decodeBody[AppointmentResponse](t, rec).PaymentStatus)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/payment", u1, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_paid", decodeBody[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/payments/confirm", u1, map[string]string{"session_id": "cs_unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmPayment_OwnerOnly(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})
	p := s.createProvider()
	u1, u2 := s.token("u1"), s.token("u2")

	rec := s.do(http.MethodPost, "/appointments", u1,
		map[string]string{"provider_id": p.ID.String(), "slot_date": "2025-07-10", "slot_time": "12:00"})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decodeBody[AppointmentResponse](t, rec)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/payment", u1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decodeBody[payment.SessionRef](t, rec)
	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/payment", u1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeBody[payment.SessionRef](t, rec)
	s.gateway.pay(first.SessionID)

	rec = s.do(http.MethodPost, "/payments/confirm", u2, map[string]string{"session_id": first.SessionID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/appointments/"+appt.ID.String(), u1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unpaid", decodeBody[AppointmentResponse](t, rec).PaymentStatus)

	rec = s.do(http.MethodPost, "/payments/confirm", u1, map[string]string{"session_id": first.SessionID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/payments/confirm", u1, map[string]string{"session_id": second.SessionID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session_superseded", decodeBody[ErrorResponse](t, rec).Error)
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{})
	p := s.createProvider()
	u1 := s.token("u1")

	rec := s.do(http.MethodPost, "/appointments", u1,
		map[string]string{"provider_id": p.ID.String(), "slot_date": "2025-07-10", "slot_time": "11:30"})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decodeBody[AppointmentResponse](t, rec)

	rec = s.do(http.MethodPost, "/appointments/"+appt.ID.String()+"/payment", u1, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	ref := decodeBody[payment.SessionRef](t, rec)
	s.gateway.pay(ref.SessionID)

	send := func(signature, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewBufferString(body))
		req.Header.Set(webhookSignatureHeader, signature)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, send("forged", ref.SessionID))
	assert.Equal(t, http.StatusNoContent, send("ok", ""))
	assert.Equal(t, http.StatusNoContent, send("ok", ref.SessionID))
	// redelivery is harmless
	assert.Equal(t, http.StatusNoContent, send("ok", ref.SessionID))

	rec = s.do(http.MethodGet, "/appointments/"+appt.ID.String(), u1, nil)
	assert.Equal(t, "paid", decodeBody[AppointmentResponse](t, rec).PaymentStatus)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, RateLimitConfig{RPS: 0.001, Burst: 1})

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/providers", "", nil).Code)
	rec := s.do(http.MethodGet, "/providers", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// health stays reachable
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", "", nil).Code)
}
