package server

import "sync"

// roomHub tracks the live broadcast group for every chat room.
//
// The hub map has its own mutex and each room owns another; broadcast
// enumeration in one room never contends with joins in a different room.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*chatRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*chatRoom)}
}

func (h *roomHub) room(roomID string) *chatRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if ok {
		return room
	}

	room = newChatRoom(roomID)
	h.rooms[roomID] = room
	return room
}

// lookup returns the room only if it already exists, so read paths do not
// materialize empty rooms.
func (h *roomHub) lookup(roomID string) (*chatRoom, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	return room, ok
}

func (h *roomHub) discard(roomID string, room *chatRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.rooms[roomID]; ok && current == room {
		delete(h.rooms, roomID)
	}
}

type chatRoom struct {
	mu          sync.Mutex
	roomID      string
	subscribers map[*wsPeer]struct{}
}

func newChatRoom(roomID string) *chatRoom {
	return &chatRoom{
		roomID:      roomID,
		subscribers: make(map[*wsPeer]struct{}),
	}
}

func (r *chatRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.subscribers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *chatRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.subscribers, peer)
	empty := len(r.subscribers) == 0
	r.mu.Unlock()
	return empty
}

// broadcast delivers the frame to every subscriber except the one named,
// which may be nil to reach the whole room.
func (r *chatRoom) broadcast(frame wsFrame, except *wsPeer) {
	r.mu.Lock()
	subscribers := make([]*wsPeer, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		if subscriber == except {
			continue
		}
		subscribers = append(subscribers, subscriber)
	}
	r.mu.Unlock()

	for _, subscriber := range subscribers {
		_ = subscriber.writeFrame(frame)
	}
}
