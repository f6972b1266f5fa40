package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// EventKind names an event delivered on the dispatch bus
type EventKind string

const (
	EventConnected                     EventKind = "connected"
	EventDisconnected                  EventKind = "disconnected"
	EventMessageCreated                EventKind = "messageCreated"
	EventMessageUpdated                EventKind = "messageUpdated"
	EventMessageDeleted                EventKind = "messageDeleted"
	EventMemberAdded                   EventKind = "memberAdded"
	EventMemberRemoved                 EventKind = "memberRemoved"
	EventConversationPropertiesUpdated EventKind = "conversationPropertiesUpdated"
	EventConversationDeleted           EventKind = "conversationDeleted"
	EventSubscriptionFailed            EventKind = "subscriptionFailed"
	EventFatalError                    EventKind = "fatalError"
)

// Event is a decoded domain event. The concrete type is selected by Kind.
type Event interface {
	Kind() EventKind
}

// Resource carries the identity fields every notification payload has
type Resource struct {
	ID        string          `json:"id"`
	ODataType string          `json:"@odata.type,omitempty"`
	ODataID   string          `json:"@odata.id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// ItemBody is the content of a chat message
type ItemBody struct {
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content,omitempty"`
}

// ChatMessage is the payload of message notifications
type ChatMessage struct {
	Resource
	ChatID               string     `json:"chatId,omitempty"`
	ReplyToID            string     `json:"replyToId,omitempty"`
	MessageType          string     `json:"messageType,omitempty"`
	CreatedDateTime      *time.Time `json:"createdDateTime,omitempty"`
	LastModifiedDateTime *time.Time `json:"lastModifiedDateTime,omitempty"`
	DeletedDateTime      *time.Time `json:"deletedDateTime,omitempty"`
	Body                 *ItemBody  `json:"body,omitempty"`
}

// ConversationMember is the payload of membership notifications
type ConversationMember struct {
	Resource
	DisplayName string   `json:"displayName,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Conversation is the payload of conversation property notifications
type Conversation struct {
	Resource
	Topic               string     `json:"topic,omitempty"`
	ChatType            string     `json:"chatType,omitempty"`
	LastUpdatedDateTime *time.Time `json:"lastUpdatedDateTime,omitempty"`
}

// MessageCreated is emitted when a message is posted
type MessageCreated struct {
	SubscriptionID string      `json:"subscription_id"`
	Message        ChatMessage `json:"message"`
}

func (MessageCreated) Kind() EventKind { return EventMessageCreated }

// MessageUpdated is emitted when a message is edited
type MessageUpdated struct {
	SubscriptionID string      `json:"subscription_id"`
	Message        ChatMessage `json:"message"`
}

func (MessageUpdated) Kind() EventKind { return EventMessageUpdated }

// MessageDeleted is emitted when a message is removed
type MessageDeleted struct {
	SubscriptionID string      `json:"subscription_id"`
	Message        ChatMessage `json:"message"`
}

func (MessageDeleted) Kind() EventKind { return EventMessageDeleted }

// MemberAdded is emitted when a participant joins
type MemberAdded struct {
	SubscriptionID string             `json:"subscription_id"`
	Member         ConversationMember `json:"member"`
}

func (MemberAdded) Kind() EventKind { return EventMemberAdded }

// MemberRemoved is emitted when a participant leaves
type MemberRemoved struct {
	SubscriptionID string             `json:"subscription_id"`
	Member         ConversationMember `json:"member"`
}

func (MemberRemoved) Kind() EventKind { return EventMemberRemoved }

// ConversationPropertiesUpdated is emitted when topic or other properties change
type ConversationPropertiesUpdated struct {
	SubscriptionID string       `json:"subscription_id"`
	Conversation   Conversation `json:"conversation"`
}

func (ConversationPropertiesUpdated) Kind() EventKind { return EventConversationPropertiesUpdated }

// ConversationDeleted is emitted when the conversation itself is removed
type ConversationDeleted struct {
	SubscriptionID string       `json:"subscription_id"`
	Conversation   Conversation `json:"conversation"`
}

func (ConversationDeleted) Kind() EventKind { return EventConversationDeleted }

// Connected is emitted once the streaming connection becomes live
type Connected struct {
	ConnectionID string `json:"connection_id,omitempty"`
}

func (Connected) Kind() EventKind { return EventConnected }

// Disconnected is emitted once the streaming connection is lost
type Disconnected struct {
	Err error `json:"-"`
}

func (Disconnected) Kind() EventKind { return EventDisconnected }

// SubscriptionFailed is emitted when ensuring an owner left some specs unsubscribed
type SubscriptionFailed struct {
	Owner OwnerKey `json:"owner"`
	Err   error    `json:"-"`
}

func (SubscriptionFailed) Kind() EventKind { return EventSubscriptionFailed }

// FatalError is emitted when the backend refuses an owner permanently
type FatalError struct {
	Owner OwnerKey `json:"owner"`
	Err   error    `json:"-"`
}

func (FatalError) Kind() EventKind { return EventFatalError }
