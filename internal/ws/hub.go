package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/models"
	"github.com/pliu/chatcore/internal/store"
)

type frame struct {
	client *Client
	event  Event
}

type broadcast struct {
	chatID int64
	event  Event
}

// Hub owns all connected clients and the per-chat rooms. All state changes
// and fan-out run on the single Run goroutine, so events within a room keep
// the order they were produced in. The online map is the one piece readable
// from request goroutines and is guarded separately.
type Hub struct {
	clients map[*Client]bool
	rooms   map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan frame
	broadcasts chan broadcast

	store store.Store
	log   *zap.SugaredLogger

	mu     sync.RWMutex
	online map[int64]int
}

func NewHub(st store.Store, log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan frame, 256),
		broadcasts: make(chan broadcast, 256),
		store:      st,
		log:        log,
		online:     make(map[int64]int),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.connected(client)
		case client := <-h.unregister:
			h.evict(client)
		case f := <-h.inbound:
			h.dispatch(f)
		case b := <-h.broadcasts:
			h.broadcastRoom(b.chatID, b.event)
		}
	}
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[userID] > 0
}

// BroadcastNewMessage fans a canonical message out to the chat's room. Used
// by the HTTP fallback path so delivery does not depend on the sender's
// socket being connected.
func (h *Hub) BroadcastNewMessage(chatID int64, msg *models.Message, tempID string) {
	h.broadcasts <- broadcast{chatID: chatID, event: Event{
		Type:    EventNewMessage,
		ChatID:  chatID,
		TempID:  tempID,
		Message: msg,
	}}
}

// BroadcastMessagesRead tells the room that readerID has read the chat.
func (h *Hub) BroadcastMessagesRead(chatID, readerID int64) {
	h.broadcasts <- broadcast{chatID: chatID, event: Event{
		Type:     EventMessagesRead,
		ChatID:   chatID,
		ReaderID: readerID,
	}}
}

func (h *Hub) dispatch(f frame) {
	switch f.event.Type {
	case EventJoinChat:
		h.handleJoin(f.client, f.event)
	case EventLeaveChat:
		// Releases room membership only; the socket stays up for the
		// user's other chats.
		if members, ok := h.rooms[f.event.ChatID]; ok {
			delete(members, f.client)
		}
	case EventSendMessage:
		h.handleSend(f.client, f.event)
	case EventMarkRead:
		h.handleMarkRead(f.client, f.event)
	default:
		f.client.enqueue(Event{Type: EventError, Error: "unknown event type: " + f.event.Type})
	}
}

func (h *Hub) handleJoin(c *Client, ev Event) {
	isMember, err := h.store.IsParticipant(context.Background(), ev.ChatID, c.identity.ID)
	if err != nil {
		h.log.Errorw("participant check failed", "chat_id", ev.ChatID, "err", err)
		return
	}
	if !isMember {
		c.enqueue(Event{Type: EventError, ChatID: ev.ChatID, Error: "not a participant"})
		return
	}
	if _, ok := h.rooms[ev.ChatID]; !ok {
		h.rooms[ev.ChatID] = make(map[*Client]bool)
	}
	h.rooms[ev.ChatID][c] = true
}

func (h *Hub) handleSend(c *Client, ev Event) {
	msg, err := h.store.SaveMessage(context.Background(), ev.ChatID, c.identity.ID, ev.Content)
	if err != nil {
		c.enqueue(Event{Type: EventError, ChatID: ev.ChatID, TempID: ev.TempID, Error: err.Error()})
		return
	}

	// Positive ack to the sender first, then fan-out. The echoed
	// new_message also carries the temp id for the sender's other sockets.
	c.enqueue(Event{Type: EventMessageAck, ChatID: ev.ChatID, TempID: ev.TempID, Message: msg})
	h.broadcastRoom(ev.ChatID, Event{Type: EventNewMessage, ChatID: ev.ChatID, TempID: ev.TempID, Message: msg})
}

func (h *Hub) handleMarkRead(c *Client, ev Event) {
	if _, err := h.store.MarkMessagesRead(context.Background(), ev.ChatID, c.identity.ID); err != nil {
		c.enqueue(Event{Type: EventError, ChatID: ev.ChatID, Error: err.Error()})
		return
	}
	h.broadcastRoom(ev.ChatID, Event{Type: EventMessagesRead, ChatID: ev.ChatID, ReaderID: c.identity.ID})
}

func (h *Hub) broadcastRoom(chatID int64, ev Event) {
	members, ok := h.rooms[chatID]
	if !ok {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorw("marshal event", "err", err)
		return
	}
	for client := range members {
		select {
		case client.send <- data:
		default:
			h.evict(client)
		}
	}
}

// evict removes a client from the hub entirely: every room it joined, the
// client set, its send queue and socket, plus the presence accounting a
// normal unregister runs. A client must leave all rooms at once; a stale
// membership would make the next broadcast send on its closed queue.
// Run-goroutine only. Idempotent, so a late unregister from the read pump
// after a slow-client eviction is a no-op.
func (h *Hub) evict(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for _, members := range h.rooms {
		delete(members, c)
	}
	close(c.send)
	c.conn.Close()
	h.disconnected(c)
}

// connected bumps the user's connection count; the first connection flips
// them online and notifies every chat they belong to.
func (h *Hub) connected(c *Client) {
	h.mu.Lock()
	h.online[c.identity.ID]++
	first := h.online[c.identity.ID] == 1
	h.mu.Unlock()

	if first {
		h.broadcastPresence(c.identity.ID, models.PresenceEntry{UserID: c.identity.ID, Online: true})
	}
}

// disconnected decrements the count; the last connection going away flips
// the user offline, persists last-seen and notifies their chats.
func (h *Hub) disconnected(c *Client) {
	h.mu.Lock()
	h.online[c.identity.ID]--
	last := h.online[c.identity.ID] <= 0
	if last {
		delete(h.online, c.identity.ID)
	}
	h.mu.Unlock()

	if !last {
		return
	}
	now := time.Now().UTC()
	if err := h.store.TouchLastSeen(context.Background(), c.identity.ID, now); err != nil {
		h.log.Errorw("persist last seen", "user_id", c.identity.ID, "err", err)
	}
	h.broadcastPresence(c.identity.ID, models.PresenceEntry{UserID: c.identity.ID, Online: false, LastSeen: &now})
}

func (h *Hub) broadcastPresence(userID int64, entry models.PresenceEntry) {
	chatIDs, err := h.store.GetChatIDs(context.Background(), userID)
	if err != nil {
		h.log.Errorw("resolve chats for presence", "user_id", userID, "err", err)
		return
	}
	ev := Event{Type: EventUserStatus, Presence: &entry}
	for _, chatID := range chatIDs {
		ev.ChatID = chatID
		h.broadcastRoom(chatID, ev)
	}
}
