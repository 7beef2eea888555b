package ws

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Subscriber is a live session as seen by the hub.
type Subscriber interface {
	Id() string
	UserId() string
	// Deliver queues data for the subscriber. It must not block.
	Deliver(data []byte) error
	// Close closes the connection with the given websocket close code.
	Close(code int, reason string)
}

// Hub is the process-wide registry of live sessions per room. Deliveries happen outside the lock on a snapshot of the
// room's subscribers, so a session joining during a broadcast may or may not receive it.
type Hub struct {
	rooms map[string]map[string]Subscriber
	// number of subscriptions per user, a user is live while this is > 0
	users  map[string]int
	logger hclog.Logger

	sync.RWMutex
}

func NewHub(logger hclog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]Subscriber),
		users:  make(map[string]int),
		logger: logger,
	}
}

// Join adds the subscriber to the room. It returns false if it already was subscribed.
func (h *Hub) Join(room string, sub Subscriber) bool {
	h.Lock()
	defer h.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[string]Subscriber)
		h.rooms[room] = subs
	}
	if _, ok := subs[sub.Id()]; ok {
		return false
	}
	subs[sub.Id()] = sub
	h.users[sub.UserId()]++
	return true
}

// Leave removes the subscriber from the room, empty rooms are pruned. It returns false if it was not subscribed.
func (h *Hub) Leave(room string, sub Subscriber) bool {
	h.Lock()
	defer h.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := subs[sub.Id()]; !ok {
		return false
	}
	delete(subs, sub.Id())
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
	if h.users[sub.UserId()]--; h.users[sub.UserId()] <= 0 {
		delete(h.users, sub.UserId())
	}
	return true
}

func (h *Hub) snapshot(room, exceptId string) []Subscriber {
	h.RLock()
	defer h.RUnlock()
	subs := make([]Subscriber, 0, len(h.rooms[room]))
	for id, sub := range h.rooms[room] {
		if id != exceptId {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Broadcast delivers data to every subscriber of the room and returns the number of successful deliveries. A failed
// delivery is logged and does not affect the other subscribers.
func (h *Hub) Broadcast(room string, data []byte) int {
	return h.BroadcastExcept(room, data, "")
}

// BroadcastExcept is Broadcast without the subscriber with the given id.
func (h *Hub) BroadcastExcept(room string, data []byte, exceptId string) int {
	delivered := 0
	for _, sub := range h.snapshot(room, exceptId) {
		if err := sub.Deliver(data); err != nil {
			h.logger.Warn("delivery failed", "room", room, "session", sub.Id(), "user", sub.UserId(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// UserOnline reports whether the user has at least one live session in this process.
func (h *Hub) UserOnline(userId string) bool {
	h.RLock()
	defer h.RUnlock()
	return h.users[userId] > 0
}

// RoomSize returns the number of live sessions in the room.
func (h *Hub) RoomSize(room string) int {
	h.RLock()
	defer h.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the number of live sessions per room.
func (h *Hub) Rooms() map[string]int {
	h.RLock()
	defer h.RUnlock()
	rooms := make(map[string]int, len(h.rooms))
	for room, subs := range h.rooms {
		rooms[room] = len(subs)
	}
	return rooms
}

// CloseAll closes every live session, f.e. on shutdown. The sessions deregister themselves.
func (h *Hub) CloseAll(code int, reason string) {
	h.RLock()
	subs := make([]Subscriber, 0)
	for _, room := range h.rooms {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	h.RUnlock()
	for _, sub := range subs {
		sub.Close(code, reason)
	}
}
