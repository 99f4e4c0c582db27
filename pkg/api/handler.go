// Package api provides read-only HTTP endpoints for subscription inspection:
// a subscriber's standing with a creator and a creator's tier catalog.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

const maxAddressLen = 255

// Handler provides HTTP endpoints for subscription inspection
type Handler struct {
	config Config
}

// GetStanding returns a standardized JSON response of the subscriber's
// current standing with the requested creator
func (h *Handler) GetStanding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Extract addresses
	subscriber := h.config.GetSubscriber(r)
	if subscriber == "" {
		h.handleError(w, r, fmt.Errorf("subscriber not identified"), http.StatusUnauthorized)
		return
	}
	if len(subscriber) > maxAddressLen {
		h.handleError(w, r, fmt.Errorf("invalid subscriber format"), http.StatusBadRequest)
		return
	}

	creator := h.config.GetCreator(r)
	if creator == "" || len(creator) > maxAddressLen {
		h.handleError(w, r, fmt.Errorf("creator not identified"), http.StatusBadRequest)
		return
	}

	// 2. Derive lifecycle status
	status, err := h.config.Engine.Status(ctx, subscriber, creator)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get status: %w", err), http.StatusInternalServerError)
		return
	}

	response := StandingResponse{
		Subscriber: subscriber,
		Creator:    creator,
		Status:     string(status),
	}

	// 3. Attach ledger details when a record exists
	sub, err := h.config.Engine.GetSubscription(ctx, subscriber, creator)
	if err != nil && !errors.Is(err, subplatform.ErrSubscriptionNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}
	if sub != nil {
		expiresAt := sub.ExpiresAt
		response.ExpiresAt = &expiresAt

		// Unsubscribed pairs forfeit grace, so only paid lapses carry a window
		if !sub.Unsubscribed {
			grace, err := h.config.Engine.GracePeriod(ctx)
			if err != nil {
				h.handleError(w, r, fmt.Errorf("failed to get grace period: %w", err), http.StatusInternalServerError)
				return
			}
			graceUntil := sub.ExpiresAt.Add(grace)
			response.GraceUntil = &graceUntil
		}

		// A deactivated or deleted tier is not an error for standing purposes
		tier, err := h.config.Engine.GetTier(ctx, creator, sub.TierID)
		if err == nil && tier != nil {
			response.Tier = &TierInfo{
				ID:       tier.ID,
				Price:    tier.Price,
				PeriodMs: tier.Period.Milliseconds(),
				Active:   tier.Active,
			}
		} else if err != nil && !errors.Is(err, subplatform.ErrTierNotFound) {
			h.handleError(w, r, fmt.Errorf("failed to get tier: %w", err), http.StatusInternalServerError)
			return
		}
	}

	h.writeJSON(w, response)
}

// GetTiers returns the requested creator's tier catalog
func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creator := h.config.GetCreator(r)
	if creator == "" || len(creator) > maxAddressLen {
		h.handleError(w, r, fmt.Errorf("creator not identified"), http.StatusBadRequest)
		return
	}

	tiers, err := h.config.Engine.ListTiers(ctx, creator)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list tiers: %w", err), http.StatusInternalServerError)
		return
	}

	response := TiersResponse{
		Creator: creator,
		Tiers:   make([]TierInfo, 0, len(tiers)),
	}
	for _, tier := range tiers {
		if h.config.ActiveTiersOnly && !tier.Active {
			continue
		}
		response.Tiers = append(response.Tiers, TierInfo{
			ID:       tier.ID,
			Price:    tier.Price,
			PeriodMs: tier.Period.Milliseconds(),
			Active:   tier.Active,
		})
	}

	h.writeJSON(w, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already sent, nothing useful left to do
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}
