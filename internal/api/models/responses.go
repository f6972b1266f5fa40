package models

import (
	"time"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/engine"
	"github.com/nkkko/chatwatch/internal/lifecycle"
)

// SubscriptionResponse is the response for one subscription
type SubscriptionResponse struct {
	ID          string `json:"id"`
	Resource    string `json:"resource"`
	ChangeType  string `json:"change_type"`
	ExpiresAt   string `json:"expires_at"`
	SecondsLeft int64  `json:"seconds_left"`
}

// WatchResponse is the response for one owner
type WatchResponse struct {
	Owner         string                  `json:"owner"`
	State         string                  `json:"state"`
	Fatal         string                  `json:"fatal,omitempty"`
	Subscriptions []*SubscriptionResponse `json:"subscriptions"`
}

// StatusResponse is the response for GET /status
type StatusResponse struct {
	Connection      string           `json:"connection"`
	Target          string           `json:"target,omitempty"`
	SchedulerHalted bool             `json:"scheduler_halted"`
	LastError       string           `json:"last_error,omitempty"`
	UpdatedAt       string           `json:"updated_at"`
	Watches         []*WatchResponse `json:"watches"`
}

// SubscriptionFromDomain converts a subscription to the response
func SubscriptionFromDomain(sub domain.Subscription, now time.Time) *SubscriptionResponse {
	left := sub.TimeLeft(now)
	if left < 0 {
		left = 0
	}

	return &SubscriptionResponse{
		ID:          sub.ID,
		Resource:    sub.ResourcePath,
		ChangeType:  domain.JoinChangeKinds(sub.ChangeKinds),
		ExpiresAt:   sub.ExpiresAt.UTC().Format(time.RFC3339),
		SecondsLeft: int64(left / time.Second),
	}
}

// WatchFromOwnerStatus converts an owner status to the response
func WatchFromOwnerStatus(status lifecycle.OwnerStatus, now time.Time) *WatchResponse {
	subs := make([]*SubscriptionResponse, 0, len(status.Subscriptions))
	for _, sub := range status.Subscriptions {
		subs = append(subs, SubscriptionFromDomain(sub, now))
	}

	return &WatchResponse{
		Owner:         status.Owner.String(),
		State:         status.State.String(),
		Fatal:         status.Fatal,
		Subscriptions: subs,
	}
}

// StatusFromEngine converts the engine status to the response
func StatusFromEngine(status engine.Status, now time.Time) *StatusResponse {
	watches := make([]*WatchResponse, 0, len(status.Owners))
	for _, owner := range status.Owners {
		watches = append(watches, WatchFromOwnerStatus(owner, now))
	}

	return &StatusResponse{
		Connection:      status.Connection,
		Target:          status.Target,
		SchedulerHalted: status.SchedulerHalted,
		LastError:       status.LastError,
		UpdatedAt:       status.UpdatedAt.UTC().Format(time.RFC3339),
		Watches:         watches,
	}
}
