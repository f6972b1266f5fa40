package envelope

import (
	"testing"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_MessageDeleted(t *testing.T) {
	d := NewDecoder(DefaultConfig())

	raw := []byte(`{
		"subscriptionId": "sub-1",
		"changeType": "deleted",
		"resource": "chats('19:abc')/messages(abc)",
		"resourceData": {"id": "abc", "@odata.type": "#Microsoft.Graph.chatMessage", "@odata.id": "chats('19:abc')/messages('abc')"}
	}`)

	event, err := d.Decode(raw)
	require.NoError(t, err)

	deleted, ok := event.(domain.MessageDeleted)
	require.True(t, ok, "expected MessageDeleted, got %T", event)
	assert.Equal(t, domain.EventMessageDeleted, deleted.Kind())
	assert.Equal(t, "abc", deleted.Message.ID)
	assert.Equal(t, "sub-1", deleted.SubscriptionID)
	assert.Equal(t, "#Microsoft.Graph.chatMessage", deleted.Message.ODataType)
	assert.NotEmpty(t, deleted.Message.Raw)
}

func TestDecode_Classification(t *testing.T) {
	d := NewDecoder(DefaultConfig())

	tests := []struct {
		name       string
		resource   string
		changeType string
		want       domain.EventKind
	}{
		{"message created", "chats('1')/messages(1)", "created", domain.EventMessageCreated},
		{"message updated", "chats('1')/messages(1)", "updated", domain.EventMessageUpdated},
		{"member added", "chats('1')/members", "created", domain.EventMemberAdded},
		{"member removed", "chats('1')/members('m')", "deleted", domain.EventMemberRemoved},
		{"properties updated", "chats('1')", "updated", domain.EventConversationPropertiesUpdated},
		{"conversation deleted", "chats('1')", "deleted", domain.EventConversationDeleted},
		{"message wins over members", "chats('1')/members/x/messages(1)", "created", domain.EventMessageCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{"subscriptionId":"s","changeType":"` + tt.changeType + `","resource":"` + tt.resource + `","resourceData":{"id":"x"}}`)
			event, err := d.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, event.Kind())
		})
	}
}

func TestDecode_MemberPayload(t *testing.T) {
	d := NewDecoder(DefaultConfig())

	raw := []byte(`{"subscriptionId":"s","changeType":"created","resource":"chats('1')/members","resourceData":{"id":"m1","displayName":"Ada","userId":"u1","roles":["owner"]}}`)
	event, err := d.Decode(raw)
	require.NoError(t, err)

	added := event.(domain.MemberAdded)
	assert.Equal(t, "m1", added.Member.ID)
	assert.Equal(t, "Ada", added.Member.DisplayName)
	assert.Equal(t, "u1", added.Member.UserID)
	assert.Equal(t, []string{"owner"}, added.Member.Roles)
}

func TestDecode_UnknownChangeType(t *testing.T) {
	d := NewDecoder(DefaultConfig())

	tests := []struct {
		resource   string
		changeType string
	}{
		{"chats('1')/messages(1)", "archived"},
		{"chats('1')/members", "updated"},
		{"chats('1')", "created"},
	}

	for _, tt := range tests {
		raw := []byte(`{"changeType":"` + tt.changeType + `","resource":"` + tt.resource + `","resourceData":{"id":"x"}}`)
		_, err := d.Decode(raw)
		assert.ErrorIs(t, err, domain.ErrUnknownChangeType, tt.resource)
	}
}

func TestDecode_Malformed(t *testing.T) {
	d := NewDecoder(DefaultConfig())

	inputs := []string{
		`not json`,
		`{"changeType":"created","resource":"chats('1')/messages(1)"}`,
		`{"changeType":"created","resource":"chats('1')/messages(1)","resourceData":null}`,
		`{"changeType":"created","resource":"chats('1')/messages(1)","resourceData":"text"}`,
	}

	for _, in := range inputs {
		event, err := d.Decode([]byte(in))
		assert.Nil(t, event)
		assert.ErrorIs(t, err, domain.ErrMalformedEnvelope, in)
	}
}

func TestAck(t *testing.T) {
	structured := NewDecoder(Config{AckAsString: false})
	assert.Equal(t, Ack{StatusCode: "200"}, structured.Ack())

	asString := NewDecoder(Config{AckAsString: true})
	assert.Equal(t, `{"StatusCode":"200"}`, asString.Ack())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassMessage, Classify("users/u/chats/getAllmessages/messages(1)"))
	assert.Equal(t, ClassMembership, Classify("chats/1/members"))
	assert.Equal(t, ClassConversation, Classify("chats/1"))
	assert.Equal(t, "membership", ClassMembership.String())
}
