package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChangeKind is a kind of change a subscription is notified about
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// AllChangeKinds is every supported change kind in wire order
var AllChangeKinds = []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted}

// ParseChangeKinds parses the comma separated wire form ("created,updated")
func ParseChangeKinds(s string) ([]ChangeKind, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	kinds := make([]ChangeKind, 0, len(parts))
	for _, p := range parts {
		kind := ChangeKind(strings.TrimSpace(p))
		switch kind {
		case ChangeCreated, ChangeUpdated, ChangeDeleted:
			kinds = append(kinds, kind)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, p)
		}
	}
	return kinds, nil
}

// JoinChangeKinds renders change kinds in the comma separated wire form
func JoinChangeKinds(kinds []ChangeKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

// OwnerKind distinguishes a single conversation from a user aggregate
type OwnerKind string

const (
	OwnerChat OwnerKind = "chat"
	OwnerUser OwnerKind = "user"
)

// OwnerKey identifies the conversation or user whose subscriptions form a group
type OwnerKey struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// ChatOwner returns the owner key for a conversation
func ChatOwner(chatID string) OwnerKey {
	return OwnerKey{Kind: OwnerChat, ID: chatID}
}

// UserOwner returns the owner key for a user aggregate
func UserOwner(userID string) OwnerKey {
	return OwnerKey{Kind: OwnerUser, ID: userID}
}

func (k OwnerKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// IsZero reports whether the key is unset
func (k OwnerKey) IsZero() bool {
	return k.Kind == "" && k.ID == ""
}

// ParseOwnerKey parses the "kind:id" form produced by String
func ParseOwnerKey(s string) (OwnerKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return OwnerKey{}, fmt.Errorf("invalid owner key %q", s)
	}

	switch OwnerKind(kind) {
	case OwnerChat, OwnerUser:
		return OwnerKey{Kind: OwnerKind(kind), ID: id}, nil
	default:
		return OwnerKey{}, fmt.Errorf("invalid owner kind %q", kind)
	}
}

// ResourceSpec describes one remote resource to subscribe to
type ResourceSpec struct {
	ResourcePath string       `json:"resource"`
	ChangeKinds  []ChangeKind `json:"change_kinds"`
}

// ChatResourceSpecs returns the message, membership and property specs of a conversation
func ChatResourceSpecs(chatID string) []ResourceSpec {
	return []ResourceSpec{
		{
			ResourcePath: fmt.Sprintf("/chats/%s/messages", chatID),
			ChangeKinds:  []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted},
		},
		{
			ResourcePath: fmt.Sprintf("/chats/%s/members", chatID),
			ChangeKinds:  []ChangeKind{ChangeCreated, ChangeDeleted},
		},
		{
			ResourcePath: fmt.Sprintf("/chats/%s", chatID),
			ChangeKinds:  []ChangeKind{ChangeUpdated, ChangeDeleted},
		},
	}
}

// UserResourceSpecs returns the aggregate message spec across all of a user's conversations
func UserResourceSpecs(userID string) []ResourceSpec {
	return []ResourceSpec{
		{
			ResourcePath: fmt.Sprintf("/users/%s/chats/getAllmessages", userID),
			ChangeKinds:  []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted},
		},
	}
}

// DefaultResourceSpecs picks the specs that match the owner kind
func DefaultResourceSpecs(owner OwnerKey) []ResourceSpec {
	if owner.Kind == OwnerUser {
		return UserResourceSpecs(owner.ID)
	}
	return ChatResourceSpecs(owner.ID)
}

// Subscription is a remote registration that delivers change notifications
type Subscription struct {
	ID                 string       `json:"id"`
	ResourcePath       string       `json:"resource"`
	ChangeKinds        []ChangeKind `json:"change_kinds"`
	ExpiresAt          time.Time    `json:"expires_at"`
	NotificationTarget string       `json:"notification_target"`
	ClientSecret       string       `json:"client_secret,omitempty"`
}

// Expired reports whether the subscription has lapsed at now
func (s Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// TimeLeft returns the remaining lifetime, negative once expired
func (s Subscription) TimeLeft(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Group is the set of subscriptions belonging to one owner
type Group struct {
	Owner         OwnerKey       `json:"owner"`
	Subscriptions []Subscription `json:"subscriptions"`
	LastActivity  time.Time      `json:"last_activity"`
}

// AnyExpired reports whether at least one subscription has lapsed
func (g Group) AnyExpired(now time.Time) bool {
	for _, s := range g.Subscriptions {
		if s.Expired(now) {
			return true
		}
	}
	return false
}

// NotificationTarget returns the first non-empty target in the group
func (g Group) NotificationTarget() string {
	for _, s := range g.Subscriptions {
		if s.NotificationTarget != "" {
			return s.NotificationTarget
		}
	}
	return ""
}

// Find returns the subscription for a resource path
func (g Group) Find(resourcePath string) (Subscription, bool) {
	for _, s := range g.Subscriptions {
		if s.ResourcePath == resourcePath {
			return s, true
		}
	}
	return Subscription{}, false
}

// Missing returns the specs with no subscription in the group
func (g Group) Missing(specs []ResourceSpec) []ResourceSpec {
	var missing []ResourceSpec
	for _, spec := range specs {
		if _, ok := g.Find(spec.ResourcePath); !ok {
			missing = append(missing, spec)
		}
	}
	return missing
}

// SubscriptionIDs returns the ids of every subscription in the group
func (g Group) SubscriptionIDs() []string {
	ids := make([]string, 0, len(g.Subscriptions))
	for _, s := range g.Subscriptions {
		ids = append(ids, s.ID)
	}
	return ids
}
