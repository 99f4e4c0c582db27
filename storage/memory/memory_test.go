package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

func TestStorage_PlatformConfig(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetPlatformConfig(ctx)
	if !errors.Is(err, subplatform.ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}

	cfg := &subplatform.PlatformConfig{
		Owner:          "0xowner",
		Treasury:       "0xowner",
		PlatformFeeBPS: 500,
		GracePeriod:    3 * 24 * time.Hour,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := storage.SetPlatformConfig(ctx, cfg); err != nil {
		t.Fatalf("SetPlatformConfig failed: %v", err)
	}

	retrieved, err := storage.GetPlatformConfig(ctx)
	if err != nil {
		t.Fatalf("GetPlatformConfig failed: %v", err)
	}
	if retrieved.Owner != cfg.Owner || retrieved.PlatformFeeBPS != cfg.PlatformFeeBPS {
		t.Errorf("Retrieved config mismatch: %+v", retrieved)
	}

	// Mutating the returned copy must not affect stored state
	retrieved.PlatformFeeBPS = 9999
	again, _ := storage.GetPlatformConfig(ctx)
	if again.PlatformFeeBPS != 500 {
		t.Error("Stored config was mutated through a returned copy")
	}
}

func TestStorage_Whitelist(t *testing.T) {
	storage := New()
	ctx := context.Background()

	whitelisted, err := storage.IsTokenWhitelisted(ctx, "0xusdc")
	if err != nil {
		t.Fatalf("IsTokenWhitelisted failed: %v", err)
	}
	if whitelisted {
		t.Error("Expected token to start non-whitelisted")
	}

	if err := storage.SetTokenWhitelisted(ctx, "0xusdc", true); err != nil {
		t.Fatalf("SetTokenWhitelisted failed: %v", err)
	}
	whitelisted, _ = storage.IsTokenWhitelisted(ctx, "0xusdc")
	if !whitelisted {
		t.Error("Expected token to be whitelisted")
	}

	if err := storage.SetTokenWhitelisted(ctx, "0xusdc", false); err != nil {
		t.Fatalf("SetTokenWhitelisted failed: %v", err)
	}
	whitelisted, _ = storage.IsTokenWhitelisted(ctx, "0xusdc")
	if whitelisted {
		t.Error("Expected token to be removed")
	}

	if err := storage.SetTokenWhitelisted(ctx, "", true); err == nil {
		t.Error("Expected error for empty token address")
	}
}

func TestStorage_Tiers(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetTier(ctx, "creator", 0)
	if !errors.Is(err, subplatform.ErrTierNotFound) {
		t.Errorf("Expected ErrTierNotFound, got %v", err)
	}

	for want := uint64(0); want < 3; want++ {
		id, err := storage.CreateTier(ctx, &subplatform.Tier{
			Creator: "creator",
			Price:   100,
			Period:  30 * 24 * time.Hour,
			Active:  true,
		})
		if err != nil {
			t.Fatalf("CreateTier failed: %v", err)
		}
		if id != want {
			t.Errorf("Expected sequential ID %d, got %d", want, id)
		}
	}

	tier, err := storage.GetTier(ctx, "creator", 1)
	if err != nil {
		t.Fatalf("GetTier failed: %v", err)
	}
	if tier.ID != 1 || tier.Price != 100 {
		t.Errorf("Unexpected tier: %+v", tier)
	}

	if err := storage.SetTierActive(ctx, "creator", 1, false); err != nil {
		t.Fatalf("SetTierActive failed: %v", err)
	}
	tier, _ = storage.GetTier(ctx, "creator", 1)
	if tier.Active {
		t.Error("Expected tier to be deactivated")
	}

	if err := storage.SetTierActive(ctx, "creator", 99, false); !errors.Is(err, subplatform.ErrTierNotFound) {
		t.Errorf("Expected ErrTierNotFound, got %v", err)
	}

	tiers, err := storage.ListTiers(ctx, "creator")
	if err != nil {
		t.Fatalf("ListTiers failed: %v", err)
	}
	if len(tiers) != 3 {
		t.Fatalf("Expected 3 tiers, got %d", len(tiers))
	}
	for i, tier := range tiers {
		if tier.ID != uint64(i) {
			t.Errorf("Expected tiers ordered by ID, got %d at %d", tier.ID, i)
		}
	}
}

func TestStorage_ApplyRenewal(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	period := 30 * 24 * time.Hour

	result, err := storage.ApplyRenewal(ctx, &subplatform.RenewalRequest{
		Subscriber:  "sub",
		Creator:     "creator",
		TierID:      0,
		Period:      period,
		GracePeriod: 24 * time.Hour,
		Now:         now,
	})
	if err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}
	if result.Previous != subplatform.StatusNone || result.Renewal {
		t.Errorf("Expected fresh cycle, got %+v", result)
	}
	if !result.Subscription.ExpiresAt.Equal(now.Add(period)) {
		t.Errorf("Expected expiry %v, got %v", now.Add(period), result.Subscription.ExpiresAt)
	}

	// Renewal extends the committed expiry
	result, err = storage.ApplyRenewal(ctx, &subplatform.RenewalRequest{
		Subscriber:  "sub",
		Creator:     "creator",
		TierID:      0,
		Period:      period,
		GracePeriod: 24 * time.Hour,
		Now:         now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Second ApplyRenewal failed: %v", err)
	}
	if !result.Renewal || result.Previous != subplatform.StatusActive {
		t.Errorf("Expected active renewal, got %+v", result)
	}
	if !result.Subscription.ExpiresAt.Equal(now.Add(2 * period)) {
		t.Errorf("Expected expiry %v, got %v", now.Add(2*period), result.Subscription.ExpiresAt)
	}
}

func TestStorage_ApplyRenewal_Idempotency(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	req := &subplatform.RenewalRequest{
		Subscriber:     "sub",
		Creator:        "creator",
		Period:         time.Hour,
		GracePeriod:    time.Hour,
		Now:            now,
		IdempotencyKey: "key-1",
		Record: &subplatform.SettlementRecord{
			SettlementID:   "s-1",
			Subscriber:     "sub",
			Creator:        "creator",
			Amount:         100,
			Fee:            5,
			IdempotencyKey: "key-1",
			Timestamp:      now,
		},
	}

	if _, err := storage.ApplyRenewal(ctx, req); err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}

	_, err := storage.ApplyRenewal(ctx, req)
	if !errors.Is(err, subplatform.ErrIdempotencyKeyExists) {
		t.Errorf("Expected ErrIdempotencyKeyExists, got %v", err)
	}

	record, err := storage.GetSettlementRecord(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetSettlementRecord failed: %v", err)
	}
	if record == nil || record.Amount != 100 {
		t.Errorf("Unexpected settlement record: %+v", record)
	}

	// Unknown key is nil, not an error
	record, err = storage.GetSettlementRecord(ctx, "missing")
	if err != nil || record != nil {
		t.Errorf("Expected nil record for unknown key, got %+v, %v", record, err)
	}
}

func TestStorage_CancelSubscription(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := storage.CancelSubscription(ctx, "sub", "creator", now)
	if !errors.Is(err, subplatform.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	if _, err := storage.ApplyRenewal(ctx, &subplatform.RenewalRequest{
		Subscriber:  "sub",
		Creator:     "creator",
		Period:      30 * 24 * time.Hour,
		GracePeriod: time.Hour,
		Now:         now,
	}); err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}

	cancelTime := now.Add(time.Hour)
	sub, err := storage.CancelSubscription(ctx, "sub", "creator", cancelTime)
	if err != nil {
		t.Fatalf("CancelSubscription failed: %v", err)
	}
	if !sub.Unsubscribed {
		t.Error("Expected subscription to be marked unsubscribed")
	}
	if !sub.ExpiresAt.Equal(cancelTime) {
		t.Errorf("Expected immediate expiry at %v, got %v", cancelTime, sub.ExpiresAt)
	}

	// Idempotent: second cancel leaves the record untouched
	again, err := storage.CancelSubscription(ctx, "sub", "creator", cancelTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("Second CancelSubscription failed: %v", err)
	}
	if !again.ExpiresAt.Equal(cancelTime) {
		t.Errorf("Second cancel moved expiry to %v", again.ExpiresAt)
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_ = storage.SetTokenWhitelisted(ctx, "0xusdc", true)
	_, _ = storage.CreateTier(ctx, &subplatform.Tier{Creator: "creator", Price: 1, Period: time.Hour})

	storage.Clear()

	whitelisted, _ := storage.IsTokenWhitelisted(ctx, "0xusdc")
	if whitelisted {
		t.Error("Expected whitelist cleared")
	}
	if _, err := storage.GetTier(ctx, "creator", 0); !errors.Is(err, subplatform.ErrTierNotFound) {
		t.Errorf("Expected tiers cleared, got %v", err)
	}
}
