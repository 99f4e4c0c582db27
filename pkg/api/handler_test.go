package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
	"github.com/mihaimyh/subplatform/storage/memory"
)

const (
	testOwner      = "0x000000000000000000000000000000000000000a"
	testCreator    = "0x000000000000000000000000000000000000000b"
	testSubscriber = "0x000000000000000000000000000000000000000c"
	testToken      = "0x000000000000000000000000000000000000000d"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine *subplatform.Engine
	clock  *fakeClock
	tierID uint64
}

// setupTestEngine creates an initialized engine with one 30-day tier and an
// active subscription for testSubscriber.
func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	engine, err := subplatform.New(memory.New(), subplatform.Config{
		Platform: subplatform.PlatformConfig{
			Owner:          testOwner,
			PlatformFeeBPS: 500,
			GracePeriod:    3 * 24 * time.Hour,
			DefaultToken:   testToken,
		},
		TimeSource: clock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := engine.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	tierID, err := engine.CreateTier(ctx, testCreator, testCreator, 100, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateTier failed: %v", err)
	}
	if _, err := engine.Subscribe(ctx, testSubscriber, testCreator, tierID, 100); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	return &testEnv{engine: engine, clock: clock, tierID: tierID}
}

func newTestHandler(t *testing.T, env *testEnv) *Handler {
	t.Helper()
	handler, err := NewHandler(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FromQuery("creator"),
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler
}

func getStanding(t *testing.T, handler *Handler, subscriber, creator string) (*httptest.ResponseRecorder, *StandingResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/standing?creator="+creator, nil)
	if subscriber != "" {
		req.Header.Set("X-Subscriber", subscriber)
	}
	w := httptest.NewRecorder()
	handler.GetStanding(w, req)

	if w.Code != http.StatusOK {
		return w, nil
	}
	var resp StandingResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return w, &resp
}

func TestNewHandler_Validation(t *testing.T) {
	env := setupTestEngine(t)

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Engine:        env.engine,
				GetSubscriber: FromHeader("X-Subscriber"),
				GetCreator:    FromQuery("creator"),
			},
			wantErr: false,
		},
		{
			name: "missing engine",
			config: Config{
				GetSubscriber: FromHeader("X-Subscriber"),
				GetCreator:    FromQuery("creator"),
			},
			wantErr: true,
		},
		{
			name: "missing subscriber extractor",
			config: Config{
				Engine:     env.engine,
				GetCreator: FromQuery("creator"),
			},
			wantErr: true,
		},
		{
			name: "missing creator extractor",
			config: Config{
				Engine:        env.engine,
				GetSubscriber: FromHeader("X-Subscriber"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandler(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewHandler error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStanding_Active(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	w, resp := getStanding(t, handler, testSubscriber, testCreator)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	if resp.Status != "active" {
		t.Errorf("Expected status 'active', got %q", resp.Status)
	}
	if resp.Subscriber != testSubscriber || resp.Creator != testCreator {
		t.Errorf("Unexpected pair in response: %s / %s", resp.Subscriber, resp.Creator)
	}
	if resp.ExpiresAt == nil {
		t.Fatal("Expected expires_at to be set")
	}
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if !resp.ExpiresAt.Equal(start.Add(30 * 24 * time.Hour)) {
		t.Errorf("Unexpected expires_at: %v", resp.ExpiresAt)
	}
	if resp.GraceUntil == nil {
		t.Fatal("Expected grace_until to be set")
	}
	if !resp.GraceUntil.Equal(resp.ExpiresAt.Add(3 * 24 * time.Hour)) {
		t.Errorf("Expected grace_until 3 days after expiry, got %v", resp.GraceUntil)
	}
	if resp.Tier == nil {
		t.Fatal("Expected tier in response")
	}
	if resp.Tier.ID != env.tierID || resp.Tier.Price != 100 || !resp.Tier.Active {
		t.Errorf("Unexpected tier in response: %+v", resp.Tier)
	}
	if resp.Tier.PeriodMs != (30 * 24 * time.Hour).Milliseconds() {
		t.Errorf("Unexpected tier period: %d", resp.Tier.PeriodMs)
	}
}

func TestGetStanding_Grace(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	env.clock.Advance(31 * 24 * time.Hour)

	w, resp := getStanding(t, handler, testSubscriber, testCreator)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp.Status != "grace" {
		t.Errorf("Expected status 'grace', got %q", resp.Status)
	}
	if resp.GraceUntil == nil {
		t.Error("Expected grace_until during grace window")
	}
}

func TestGetStanding_Expired(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	env.clock.Advance(40 * 24 * time.Hour)

	w, resp := getStanding(t, handler, testSubscriber, testCreator)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp.Status != "expired" {
		t.Errorf("Expected status 'expired', got %q", resp.Status)
	}
	if resp.ExpiresAt == nil {
		t.Error("Expected expires_at for an expired record")
	}
}

func TestGetStanding_None(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	w, resp := getStanding(t, handler, "0x0000000000000000000000000000000000000099", testCreator)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp.Status != "none" {
		t.Errorf("Expected status 'none', got %q", resp.Status)
	}
	if resp.ExpiresAt != nil || resp.GraceUntil != nil || resp.Tier != nil {
		t.Error("Expected no ledger details without a record")
	}
}

func TestGetStanding_Unsubscribed(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	if err := env.engine.Unsubscribe(context.Background(), testSubscriber, testCreator, env.tierID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	w, resp := getStanding(t, handler, testSubscriber, testCreator)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp.Status != "expired" {
		t.Errorf("Expected status 'expired' after unsubscribe, got %q", resp.Status)
	}
	if resp.GraceUntil != nil {
		t.Error("Expected no grace_until after explicit unsubscribe")
	}
}

func TestGetStanding_Unauthorized(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	w, _ := getStanding(t, handler, "", testCreator)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestGetStanding_MissingCreator(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	req := httptest.NewRequest(http.MethodGet, "/standing", nil)
	req.Header.Set("X-Subscriber", testSubscriber)
	w := httptest.NewRecorder()
	handler.GetStanding(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetStanding_CustomOnError(t *testing.T) {
	env := setupTestEngine(t)

	var gotErr error
	handler, err := NewHandler(Config{
		Engine:        env.engine,
		GetSubscriber: FromHeader("X-Subscriber"),
		GetCreator:    FromQuery("creator"),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusForbidden)
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/standing?creator="+testCreator, nil)
	w := httptest.NewRecorder()
	handler.GetStanding(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected custom error status 403, got %d", w.Code)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the error")
	}
}

func TestGetTiers(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	ctx := context.Background()
	secondID, err := env.engine.CreateTier(ctx, testCreator, testCreator, 500, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateTier failed: %v", err)
	}
	if err := env.engine.DeactivateTier(ctx, testCreator, testCreator, secondID); err != nil {
		t.Fatalf("DeactivateTier failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tiers?creator="+testCreator, nil)
	w := httptest.NewRecorder()
	handler.GetTiers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp TiersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Creator != testCreator {
		t.Errorf("Expected creator %s, got %s", testCreator, resp.Creator)
	}
	if len(resp.Tiers) != 2 {
		t.Fatalf("Expected 2 tiers, got %d", len(resp.Tiers))
	}
	if resp.Tiers[0].ID != env.tierID || !resp.Tiers[0].Active {
		t.Errorf("Unexpected first tier: %+v", resp.Tiers[0])
	}
	if resp.Tiers[1].ID != secondID || resp.Tiers[1].Active {
		t.Errorf("Unexpected second tier: %+v", resp.Tiers[1])
	}
}

func TestGetTiers_ActiveOnly(t *testing.T) {
	env := setupTestEngine(t)

	ctx := context.Background()
	secondID, err := env.engine.CreateTier(ctx, testCreator, testCreator, 500, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("CreateTier failed: %v", err)
	}
	if err := env.engine.DeactivateTier(ctx, testCreator, testCreator, secondID); err != nil {
		t.Fatalf("DeactivateTier failed: %v", err)
	}

	handler, err := NewHandler(Config{
		Engine:          env.engine,
		GetSubscriber:   FromHeader("X-Subscriber"),
		GetCreator:      FromQuery("creator"),
		ActiveTiersOnly: true,
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tiers?creator="+testCreator, nil)
	w := httptest.NewRecorder()
	handler.GetTiers(w, req)

	var resp TiersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Tiers) != 1 {
		t.Fatalf("Expected 1 active tier, got %d", len(resp.Tiers))
	}
	if resp.Tiers[0].ID != env.tierID {
		t.Errorf("Expected tier %d, got %d", env.tierID, resp.Tiers[0].ID)
	}
}

func TestGetTiers_EmptyCatalog(t *testing.T) {
	env := setupTestEngine(t)
	handler := newTestHandler(t, env)

	req := httptest.NewRequest(http.MethodGet, "/tiers?creator="+testOwner, nil)
	w := httptest.NewRecorder()
	handler.GetTiers(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp TiersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Tiers) != 0 {
		t.Errorf("Expected empty catalog, got %d tiers", len(resp.Tiers))
	}
}

func TestExtractors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/standing?creator="+testCreator, nil)
	req.Header.Set("X-Subscriber", testSubscriber)

	if got := FromHeader("X-Subscriber")(req); got != testSubscriber {
		t.Errorf("FromHeader returned %q", got)
	}
	if got := FromQuery("creator")(req); got != testCreator {
		t.Errorf("FromQuery returned %q", got)
	}
	if got := Fixed(testCreator)(req); got != testCreator {
		t.Errorf("Fixed returned %q", got)
	}

	type ctxKey string
	req = req.WithContext(context.WithValue(req.Context(), ctxKey("subscriber"), testSubscriber))
	if got := FromContext(ctxKey("subscriber"))(req); got != testSubscriber {
		t.Errorf("FromContext returned %q", got)
	}
	if got := FromContext(ctxKey("missing"))(req); got != "" {
		t.Errorf("FromContext for missing key returned %q", got)
	}
}
