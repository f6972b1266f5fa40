package lifecycle

import (
	"net/url"
	"time"

	"github.com/nkkko/chatwatch/internal/domain"
)

const subscriptionsPath = "/subscriptions"

// createRequest is the body of a subscription create call
type createRequest struct {
	ChangeType          string    `json:"changeType"`
	NotificationURL     string    `json:"notificationUrl"`
	Resource            string    `json:"resource"`
	ExpirationDateTime  time.Time `json:"expirationDateTime"`
	IncludeResourceData bool      `json:"includeResourceData"`
	ClientState         string    `json:"clientState,omitempty"`
}

// renewRequest is the body of a subscription renew call
type renewRequest struct {
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// remoteSubscription is the subscription resource returned by the backend
type remoteSubscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState"`
}

func subscriptionPath(id string) string {
	return subscriptionsPath + "/" + url.PathEscape(id)
}

// notificationURL builds the websocket notification url for a group
func notificationURL(prefix, groupID string) string {
	return prefix + "?groupId=" + url.QueryEscape(groupID)
}

// toSubscription merges the backend answer with what was requested. Fields
// the backend leaves out keep the requested values.
func (r remoteSubscription) toSubscription(spec domain.ResourceSpec, req createRequest) domain.Subscription {
	sub := domain.Subscription{
		ID:                 r.ID,
		ResourcePath:       spec.ResourcePath,
		ChangeKinds:        spec.ChangeKinds,
		ExpiresAt:          r.ExpirationDateTime,
		NotificationTarget: r.NotificationURL,
		ClientSecret:       r.ClientState,
	}
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = req.ExpirationDateTime
	}
	if sub.ClientSecret == "" {
		sub.ClientSecret = req.ClientState
	}
	return sub
}
