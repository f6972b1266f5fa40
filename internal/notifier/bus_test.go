package notifier

import (
	"testing"

	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestBus_RegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.On(domain.EventConnected, func(domain.Event) { order = append(order, "first") })
	bus.OnAny(func(domain.Event) { order = append(order, "any") })
	bus.On(domain.EventConnected, func(domain.Event) { order = append(order, "second") })
	bus.On(domain.EventDisconnected, func(domain.Event) { order = append(order, "other") })

	bus.Emit(domain.Connected{ConnectionID: "c1"})

	assert.Equal(t, []string{"first", "any", "second"}, order)
}

func TestBus_PanicDoesNotStopDispatch(t *testing.T) {
	bus := NewBus()

	var reached []int
	bus.On(domain.EventMessageCreated, func(domain.Event) { reached = append(reached, 1) })
	bus.On(domain.EventMessageCreated, func(domain.Event) { panic("boom") })
	bus.On(domain.EventMessageCreated, func(domain.Event) { reached = append(reached, 3) })

	assert.NotPanics(t, func() {
		bus.Emit(domain.MessageCreated{})
	})
	assert.Equal(t, []int{1, 3}, reached)
}

func TestBus_Off(t *testing.T) {
	bus := NewBus()

	calls := 0
	id := bus.On(domain.EventMemberAdded, func(domain.Event) { calls++ })
	anyID := bus.OnAny(func(domain.Event) { calls += 10 })
	assert.Equal(t, 2, bus.HandlerCount(domain.EventMemberAdded))

	bus.Emit(domain.MemberAdded{})
	assert.Equal(t, 11, calls)

	bus.Off(domain.EventMemberAdded, id)
	bus.Emit(domain.MemberAdded{})
	assert.Equal(t, 21, calls)

	bus.Off(domain.EventMemberAdded, anyID)
	bus.Off(domain.EventMemberAdded, HandlerID(999))
	bus.Emit(domain.MemberAdded{})
	assert.Equal(t, 21, calls)
	assert.Equal(t, 0, bus.HandlerCount(domain.EventMemberAdded))
}

func TestBus_PayloadIsDelivered(t *testing.T) {
	bus := NewBus()

	var got domain.Event
	bus.On(domain.EventMessageDeleted, func(e domain.Event) { got = e })

	bus.Emit(domain.MessageDeleted{Message: domain.ChatMessage{Resource: domain.Resource{ID: "abc"}}})
	bus.Emit(nil)

	deleted, ok := got.(domain.MessageDeleted)
	assert.True(t, ok)
	assert.Equal(t, "abc", deleted.Message.ID)
}
