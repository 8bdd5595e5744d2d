package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// registry maps each inbound event name to a constructor for its payload.
var registry = map[string]func() Event{
	NewMessage:         func() Event { return &NewMessageEvent{} },
	MessageSent:        func() Event { return &MessageSentEvent{} },
	MessageSeenSuccess: func() Event { return &MessageSeenEvent{} },
	MessageEdited:      func() Event { return &MessageEditedEvent{} },
	MessageUnsent:      func() Event { return &MessageUnsentEvent{} },
	ClearChatSuccess:   func() Event { return &ChatClearedEvent{} },
	TypingUpdate:       func() Event { return &TypingUpdateEvent{} },
	RoomUpdate:         func() Event { return &RoomUpdateEvent{} },
	UserStatusUpdate:   func() Event { return &UserStatusEvent{} },
	CallIncoming:       func() Event { return &CallSignalEvent{Name: CallIncoming} },
	CallAccepted:       func() Event { return &CallSignalEvent{Name: CallAccepted} },
	CallRejected:       func() Event { return &CallSignalEvent{Name: CallRejected} },
	CallCancelled:      func() Event { return &CallSignalEvent{Name: CallCancelled} },
	CallEnded:          func() Event { return &CallSignalEvent{Name: CallEnded} },
	CallBusy:           func() Event { return &CallSignalEvent{Name: CallBusy} },
	RouterCapabilities: func() Event { return &RouterCapabilitiesEvent{} },
	NewProducer:        func() Event { return &NewProducerEvent{} },
}

// Known reports whether name is an inbound event this client understands.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Decode turns a raw frame body into the typed payload for name and
// validates it. The returned Event is a value, not a pointer, so handlers
// can type-switch on e.g. events.NewMessageEvent directly.
func Decode(name string, data []byte) (Event, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	ev := ctor()
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty body", ErrInvalidPayload, name)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
	}
	if c, ok := ev.(interface{ check() error }); ok {
		if err := c.check(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err)
		}
	}

	return deref(ev), nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *NewMessageEvent:
		return *e
	case *MessageSentEvent:
		return *e
	case *MessageSeenEvent:
		return *e
	case *MessageEditedEvent:
		return *e
	case *MessageUnsentEvent:
		return *e
	case *ChatClearedEvent:
		return *e
	case *TypingUpdateEvent:
		return *e
	case *RoomUpdateEvent:
		return *e
	case *UserStatusEvent:
		return *e
	case *CallSignalEvent:
		return *e
	case *RouterCapabilitiesEvent:
		return *e
	case *NewProducerEvent:
		return *e
	}
	return ev
}
