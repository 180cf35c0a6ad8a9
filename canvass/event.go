package canvass

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// events pushed by the hub to all clients in the relevant group
// entity events carry the full entity, delete events carry the id

type EventName string

const (
	EventBusinessCreated EventName = "BusinessCreated"
	EventBusinessUpdated EventName = "BusinessUpdated"
	EventBusinessDeleted EventName = "BusinessDeleted"
	EventCompanyCreated  EventName = "CompanyCreated"
	EventCompanyUpdated  EventName = "CompanyUpdated"
	EventCompanyDeleted  EventName = "CompanyDeleted"
	EventUserCreated     EventName = "UserCreated"
	EventUserUpdated     EventName = "UserUpdated"
	EventUserDeleted     EventName = "UserDeleted"

	// connection lifecycle, payload is empty
	EventReconnecting EventName = "reconnecting"
	EventReconnected  EventName = "reconnected"
	EventDisconnected EventName = "disconnected"
)

type HubEvent struct {
	Name    EventName       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// delete events carry just the entity id
type DeletedPayload struct {
	Id Id `json:"id"`
}

// closed union of the decoded event payloads
// one of the fields is set depending on the event name
type EventPayload struct {
	Business *Business
	Company  *Company
	User     *User
	Deleted  *DeletedPayload
}

// Decode decodes the payload into the variant implied by the event name.
// Lifecycle events decode to an empty payload.
func (self *HubEvent) Decode() (*EventPayload, error) {
	payload := &EventPayload{}
	switch self.Name {
	case EventBusinessCreated, EventBusinessUpdated:
		business := &Business{}
		if err := json.Unmarshal(self.Payload, business); err != nil {
			return nil, err
		}
		payload.Business = business
	case EventCompanyCreated, EventCompanyUpdated:
		company := &Company{}
		if err := json.Unmarshal(self.Payload, company); err != nil {
			return nil, err
		}
		payload.Company = company
	case EventUserCreated, EventUserUpdated:
		user := &User{}
		if err := json.Unmarshal(self.Payload, user); err != nil {
			return nil, err
		}
		payload.User = user
	case EventBusinessDeleted, EventCompanyDeleted, EventUserDeleted:
		deleted := &DeletedPayload{}
		if err := json.Unmarshal(self.Payload, deleted); err != nil {
			return nil, err
		}
		payload.Deleted = deleted
	case EventReconnecting, EventReconnected, EventDisconnected:
		// no payload
	default:
		return nil, fmt.Errorf("Unknown event %s.", self.Name)
	}
	return payload, nil
}

type EventFunction = func(event *HubEvent)

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// makes a copy of the list on update
// callbacks are invoked in registration order
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	entries        []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}
