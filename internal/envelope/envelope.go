// Package envelope decodes inbound change notifications into domain events.
package envelope

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/domain"
)

const (
	messageMarker = "/messages("
	memberMarker  = "/members"
)

// Envelope is one change notification as delivered by the hub
type Envelope struct {
	SubscriptionID   string          `json:"subscriptionId"`
	ChangeType       string          `json:"changeType"`
	Resource         string          `json:"resource"`
	ResourceData     json.RawMessage `json:"resourceData"`
	ClientState      string          `json:"clientState,omitempty"`
	TenantID         string          `json:"tenantId,omitempty"`
	EncryptedContent json.RawMessage `json:"EncryptedContent,omitempty"`
}

// ResourceClass is the kind of resource an envelope refers to
type ResourceClass int

const (
	ClassConversation ResourceClass = iota
	ClassMessage
	ClassMembership
)

func (c ResourceClass) String() string {
	switch c {
	case ClassMessage:
		return "message"
	case ClassMembership:
		return "membership"
	default:
		return "conversation"
	}
}

// Classify picks the resource class from the resource locator. Message
// locators are checked before membership ones.
func Classify(resource string) ResourceClass {
	switch {
	case strings.Contains(resource, messageMarker):
		return ClassMessage
	case strings.Contains(resource, memberMarker):
		return ClassMembership
	default:
		return ClassConversation
	}
}

// Validate checks the fields every envelope must carry
func (e *Envelope) Validate() error {
	data := bytes.TrimSpace(e.ResourceData)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: missing resourceData", domain.ErrMalformedEnvelope)
	}
	if data[0] != '{' {
		return fmt.Errorf("%w: resourceData is not an object", domain.ErrMalformedEnvelope)
	}
	return nil
}

// Ack is the acknowledgment returned to the hub after a notification is consumed
type Ack struct {
	StatusCode string `json:"StatusCode"`
}

// Config contains decoder configuration
type Config struct {
	// Return the ack as its JSON string instead of a structured object
	AckAsString bool
}

// DefaultConfig returns the default decoder configuration
func DefaultConfig() Config {
	return Config{AckAsString: false}
}

// Decoder turns raw envelopes into domain events
type Decoder struct {
	config Config
	ack    any
}

// NewDecoder creates a decoder
func NewDecoder(config Config) *Decoder {
	d := &Decoder{config: config}

	ack := Ack{StatusCode: "200"}
	if config.AckAsString {
		data, _ := json.Marshal(ack)
		d.ack = string(data)
	} else {
		d.ack = ack
	}
	return d
}

// Ack returns the acknowledgment value for a successfully decoded envelope
func (d *Decoder) Ack() any {
	return d.ack
}

// Parse unmarshals and validates raw without classifying it
func (d *Decoder) Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Decode parses raw and returns the typed event it describes
func (d *Decoder) Decode(raw []byte) (domain.Event, error) {
	env, err := d.Parse(raw)
	if err != nil {
		return nil, err
	}
	return d.DecodeEnvelope(env)
}

// DecodeEnvelope converts a parsed envelope into a typed event
func (d *Decoder) DecodeEnvelope(env *Envelope) (domain.Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	kind := domain.ChangeKind(env.ChangeType)

	switch Classify(env.Resource) {
	case ClassMessage:
		var msg domain.ChatMessage
		if err := decodeResource(env.ResourceData, &msg, &msg.Resource); err != nil {
			return nil, err
		}
		switch kind {
		case domain.ChangeCreated:
			return domain.MessageCreated{SubscriptionID: env.SubscriptionID, Message: msg}, nil
		case domain.ChangeUpdated:
			return domain.MessageUpdated{SubscriptionID: env.SubscriptionID, Message: msg}, nil
		case domain.ChangeDeleted:
			return domain.MessageDeleted{SubscriptionID: env.SubscriptionID, Message: msg}, nil
		}

	case ClassMembership:
		var member domain.ConversationMember
		if err := decodeResource(env.ResourceData, &member, &member.Resource); err != nil {
			return nil, err
		}
		switch kind {
		case domain.ChangeCreated:
			return domain.MemberAdded{SubscriptionID: env.SubscriptionID, Member: member}, nil
		case domain.ChangeDeleted:
			return domain.MemberRemoved{SubscriptionID: env.SubscriptionID, Member: member}, nil
		}

	default:
		var conv domain.Conversation
		if err := decodeResource(env.ResourceData, &conv, &conv.Resource); err != nil {
			return nil, err
		}
		switch kind {
		case domain.ChangeUpdated:
			return domain.ConversationPropertiesUpdated{SubscriptionID: env.SubscriptionID, Conversation: conv}, nil
		case domain.ChangeDeleted:
			return domain.ConversationDeleted{SubscriptionID: env.SubscriptionID, Conversation: conv}, nil
		}
	}

	return nil, fmt.Errorf("%w: %q for %s", domain.ErrUnknownChangeType, env.ChangeType, Classify(env.Resource))
}

func decodeResource(data json.RawMessage, out any, res *domain.Resource) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: resourceData: %v", domain.ErrMalformedEnvelope, err)
	}
	res.Raw = append(res.Raw[:0:0], data...)
	return nil
}
