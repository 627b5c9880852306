// Package session is the client-side chat aggregate: it merges optimistic
// local message state with server-confirmed state, drives the live channel
// with an HTTP fallback, and exposes per-chat event subscriptions.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/chaterr"
	"github.com/pliu/chatcore/internal/models"
	"github.com/pliu/chatcore/internal/ws"
)

// State tracks an outgoing message through its lifecycle.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LocalMessage is one entry of the view model. While pending, Message holds
// the locally-synthesized copy; once confirmed it holds the canonical row.
type LocalMessage struct {
	TempID  string
	State   State
	Message models.Message
}

// Notice is a user-visible failure signal. Failed sends are never dropped
// silently; they surface here and stay flagged in the view model.
type Notice struct {
	ChatID int64
	TempID string
	Err    error
}

type Options struct {
	BaseURL  string // e.g. http://localhost:8080
	Token    string
	UserID   int64
	UserName string

	AckTimeout     time.Duration // wait for a socket ack before falling back
	MaxReconnects  int
	ReconnectDelay time.Duration // doubled per attempt
	HTTPTimeout    time.Duration

	Log *zap.SugaredLogger
}

func (o *Options) withDefaults() {
	if o.AckTimeout == 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 500 * time.Millisecond
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = 10 * time.Second
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
}

type ackResult struct {
	msg *models.Message
	err error
}

// Subscription delivers a chat's events until released. Releasing it stops
// delivery without touching the connection; other chats stay live.
type Subscription struct {
	C chan ws.Event

	m      *Manager
	chatID int64
	closed bool
}

func (s *Subscription) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.m.subs[s.chatID], s)
	close(s.C)
}

type Manager struct {
	opts  Options
	httpc *http.Client

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	chats      map[int64][]*LocalMessage
	pending    map[string]chan ackResult
	subs       map[int64]map[*Subscription]struct{}
	joined     map[int64]bool
	activeChat int64

	writeMu sync.Mutex
	notices chan Notice
}

func New(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:    opts,
		httpc:   &http.Client{Timeout: opts.HTTPTimeout},
		chats:   make(map[int64][]*LocalMessage),
		pending: make(map[string]chan ackResult),
		subs:    make(map[int64]map[*Subscription]struct{}),
		joined:  make(map[int64]bool),
		notices: make(chan Notice, 16),
	}
}

// Notices exposes the non-blocking failure notifications.
func (m *Manager) Notices() <-chan Notice { return m.notices }

// Connect dials the live channel and starts the read loop. Messages can be
// sent before (or without) a connection; they go over the fallback path.
func (m *Manager) Connect(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return chaterr.Transport("connect", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	go m.readLoop(conn)
	m.rejoinAndResync()
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.opts.BaseURL)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/ws?token=%s", scheme, u.Host, url.QueryEscape(m.opts.Token))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	return conn, err
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.connected = false
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SetActiveChat selects a chat: join its room and mark its history read.
func (m *Manager) SetActiveChat(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	m.activeChat = chatID
	m.joined[chatID] = true
	m.mu.Unlock()

	if err := m.writeEvent(ws.Event{Type: ws.EventJoinChat, ChatID: chatID}); err != nil {
		// Joining matters only for the live channel; without one the
		// fallback path still works.
		m.opts.Log.Debugw("join over channel failed", "chat_id", chatID, "err", err)
	}
	return m.MarkRead(ctx, chatID)
}

// DeselectChat releases the chat's room membership while keeping the
// connection up for the user's other chats.
func (m *Manager) DeselectChat(chatID int64) {
	m.mu.Lock()
	delete(m.joined, chatID)
	if m.activeChat == chatID {
		m.activeChat = 0
	}
	m.mu.Unlock()
	if err := m.writeEvent(ws.Event{Type: ws.EventLeaveChat, ChatID: chatID}); err != nil {
		m.opts.Log.Debugw("leave over channel failed", "chat_id", chatID, "err", err)
	}
}

// JoinChat registers interest in a chat's room without selecting it.
func (m *Manager) JoinChat(chatID int64) {
	m.mu.Lock()
	m.joined[chatID] = true
	m.mu.Unlock()
	if err := m.writeEvent(ws.Event{Type: ws.EventJoinChat, ChatID: chatID}); err != nil {
		m.opts.Log.Debugw("join over channel failed", "chat_id", chatID, "err", err)
	}
}

// Subscribe returns a handle delivering the chat's events until closed.
func (m *Manager) Subscribe(chatID int64) *Subscription {
	sub := &Subscription{C: make(chan ws.Event, 32), m: m, chatID: chatID}
	m.mu.Lock()
	if m.subs[chatID] == nil {
		m.subs[chatID] = make(map[*Subscription]struct{})
	}
	m.subs[chatID][sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// Send submits a message: an optimistic entry is rendered immediately, then
// confirmed via the channel ack or the HTTP fallback. The returned entry is
// final (confirmed or failed) when Send returns.
func (m *Manager) Send(ctx context.Context, chatID int64, content string) (*LocalMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, chaterr.Validationf("message content is empty")
	}

	local := &LocalMessage{
		TempID: uuid.NewString(),
		State:  StatePending,
		Message: models.Message{
			ChatID:     chatID,
			SenderID:   m.opts.UserID,
			SenderName: m.opts.UserName,
			Content:    content,
			CreatedAt:  time.Now(),
		},
	}

	ack := make(chan ackResult, 1)
	m.mu.Lock()
	m.chats[chatID] = append(m.chats[chatID], local)
	m.pending[local.TempID] = ack
	connected := m.connected
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, local.TempID)
		m.mu.Unlock()
	}()

	if connected {
		err := m.writeEvent(ws.Event{
			Type:    ws.EventSendMessage,
			ChatID:  chatID,
			TempID:  local.TempID,
			Content: content,
		})
		if err == nil {
			timer := time.NewTimer(m.opts.AckTimeout)
			defer timer.Stop()
			select {
			case res := <-ack:
				if res.err == nil {
					m.confirm(local.TempID, res.msg)
					return local, nil
				}
				// A definite rejection from the server is not a
				// transport failure; do not retry it.
				if chaterr.KindOf(res.err) != chaterr.KindTransport {
					m.fail(local, res.err)
					return local, res.err
				}
			case <-timer.C:
				// No ack in time: treat as transport failure and fall
				// through to the request/response path.
			case <-ctx.Done():
				m.fail(local, ctx.Err())
				return local, ctx.Err()
			}
		}
	}

	msg, err := m.postMessage(ctx, chatID, content, local.TempID)
	if err != nil {
		m.fail(local, err)
		return local, err
	}
	m.confirm(local.TempID, msg)
	return local, nil
}

// MarkRead marks the chat read, over the channel when live and over HTTP
// otherwise.
func (m *Manager) MarkRead(ctx context.Context, chatID int64) error {
	if err := m.writeEvent(ws.Event{Type: ws.EventMarkRead, ChatID: chatID}); err == nil {
		return nil
	}
	_, err := m.fetchMessages(ctx, chatID, 1, 1)
	return err
}

// LoadHistory fetches one newest-first page and rebuilds the chat's view
// model in chronological order, keeping unconfirmed local entries at the
// tail.
func (m *Manager) LoadHistory(ctx context.Context, chatID int64, page, limit int) ([]LocalMessage, error) {
	msgs, err := m.fetchMessages(ctx, chatID, page, limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rebuilt := make([]*LocalMessage, 0, len(msgs)+4)
	// Server pages are newest-first; the view model is chronological.
	for i := len(msgs) - 1; i >= 0; i-- {
		rebuilt = append(rebuilt, &LocalMessage{State: StateConfirmed, Message: msgs[i]})
	}
	for _, lm := range m.chats[chatID] {
		if lm.State != StateConfirmed {
			rebuilt = append(rebuilt, lm)
		}
	}
	m.chats[chatID] = rebuilt
	return m.snapshotLocked(chatID), nil
}

// Messages returns the chat's current view model, oldest first.
func (m *Manager) Messages(chatID int64) []LocalMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(chatID)
}

func (m *Manager) snapshotLocked(chatID int64) []LocalMessage {
	entries := m.chats[chatID]
	out := make([]LocalMessage, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

func (m *Manager) confirm(tempID string, msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lm := range m.chats[msg.ChatID] {
		if lm.TempID == tempID {
			lm.Message = *msg
			lm.State = StateConfirmed
			return
		}
	}
}

func (m *Manager) fail(local *LocalMessage, err error) {
	m.mu.Lock()
	local.State = StateFailed
	m.mu.Unlock()
	select {
	case m.notices <- Notice{ChatID: local.Message.ChatID, TempID: local.TempID, Err: err}:
	default:
	}
}

func (m *Manager) writeEvent(ev ws.Event) error {
	m.mu.Lock()
	conn, connected := m.conn, m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return chaterr.Transport("channel not connected", nil)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(ev); err != nil {
		return chaterr.Transport("channel write", err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var ev ws.Event
		if err := conn.ReadJSON(&ev); err != nil {
			m.handleDisconnect(conn)
			return
		}
		m.handleEvent(ev)
	}
}

func (m *Manager) handleEvent(ev ws.Event) {
	switch ev.Type {
	case ws.EventMessageAck:
		m.resolveAck(ev.TempID, ackResult{msg: ev.Message})
	case ws.EventNewMessage:
		m.handleNewMessage(ev)
	case ws.EventMessagesRead:
		m.handleMessagesRead(ev)
	case ws.EventUserStatus:
		m.deliver(ev.ChatID, ev)
	case ws.EventError:
		if ev.TempID != "" {
			m.resolveAck(ev.TempID, ackResult{err: chaterr.Validationf("%s", ev.Error)})
			return
		}
		m.opts.Log.Warnw("channel error event", "chat_id", ev.ChatID, "err", ev.Error)
	}
}

func (m *Manager) resolveAck(tempID string, res ackResult) {
	m.mu.Lock()
	ack, ok := m.pending[tempID]
	m.mu.Unlock()
	if ok {
		select {
		case ack <- res:
		default:
		}
	}
}

// handleNewMessage appends an incoming canonical message, unless it is the
// echo of one of our own optimistic entries, which is reconciled in place by
// temp id to avoid a double insert.
func (m *Manager) handleNewMessage(ev ws.Event) {
	if ev.Message == nil {
		return
	}
	if ev.TempID != "" && ev.Message.SenderID == m.opts.UserID {
		m.resolveAck(ev.TempID, ackResult{msg: ev.Message})
		m.confirm(ev.TempID, ev.Message)
		m.deliver(ev.ChatID, ev)
		return
	}

	m.mu.Lock()
	duplicate := false
	for _, lm := range m.chats[ev.ChatID] {
		if lm.State == StateConfirmed && lm.Message.ID == ev.Message.ID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		m.chats[ev.ChatID] = append(m.chats[ev.ChatID], &LocalMessage{
			State:   StateConfirmed,
			Message: *ev.Message,
		})
	}
	m.mu.Unlock()
	m.deliver(ev.ChatID, ev)
}

// handleMessagesRead applies a read receipt to our own confirmed messages.
func (m *Manager) handleMessagesRead(ev ws.Event) {
	if ev.ReaderID != m.opts.UserID {
		m.mu.Lock()
		for _, lm := range m.chats[ev.ChatID] {
			if lm.State == StateConfirmed && lm.Message.SenderID == m.opts.UserID {
				lm.Message.Read = true
			}
		}
		m.mu.Unlock()
	}
	m.deliver(ev.ChatID, ev)
}

func (m *Manager) deliver(chatID int64, ev ws.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[chatID] {
		select {
		case sub.C <- ev:
		default:
			// Slow consumer: drop rather than block the read loop.
		}
	}
}

// handleDisconnect retries the connection a bounded number of times with a
// doubling delay. On success all known rooms are re-joined and the active
// chat's read mark is re-issued; on exhaustion a notice is surfaced.
func (m *Manager) handleDisconnect(old *websocket.Conn) {
	m.mu.Lock()
	if m.closed || m.conn != old {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.conn = nil
	m.mu.Unlock()
	old.Close()

	delay := m.opts.ReconnectDelay
	for attempt := 1; attempt <= m.opts.MaxReconnects; attempt++ {
		time.Sleep(delay)
		delay *= 2

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		conn, err := m.dial(context.Background())
		if err != nil {
			m.opts.Log.Warnw("reconnect failed", "attempt", attempt, "err", err)
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.connected = true
		m.mu.Unlock()

		go m.readLoop(conn)
		m.rejoinAndResync()
		return
	}

	select {
	case m.notices <- Notice{Err: chaterr.Transport("channel lost, reconnect attempts exhausted", nil)}:
	default:
	}
}

func (m *Manager) rejoinAndResync() {
	m.mu.Lock()
	chatIDs := make([]int64, 0, len(m.joined))
	for id := range m.joined {
		chatIDs = append(chatIDs, id)
	}
	active := m.activeChat
	m.mu.Unlock()

	for _, id := range chatIDs {
		if err := m.writeEvent(ws.Event{Type: ws.EventJoinChat, ChatID: id}); err != nil {
			m.opts.Log.Warnw("rejoin failed", "chat_id", id, "err", err)
		}
	}
	if active != 0 {
		if err := m.writeEvent(ws.Event{Type: ws.EventMarkRead, ChatID: active}); err != nil {
			m.opts.Log.Warnw("re-mark-read failed", "chat_id", active, "err", err)
		}
	}
}

// --- request/response fallback path ---

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (m *Manager) postMessage(ctx context.Context, chatID int64, content, tempID string) (*models.Message, error) {
	body, err := json.Marshal(map[string]string{"content": content, "temp_id": tempID})
	if err != nil {
		return nil, err
	}
	var msg models.Message
	if err := m.do(ctx, http.MethodPost, fmt.Sprintf("/chats/%d/messages", chatID), bytes.NewReader(body), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Manager) fetchMessages(ctx context.Context, chatID int64, page, limit int) ([]models.Message, error) {
	var msgs []models.Message
	path := fmt.Sprintf("/chats/%d/messages?page=%d&limit=%d", chatID, page, limit)
	if err := m.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (m *Manager) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, m.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return chaterr.Transport("request failed", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return chaterr.Transport("malformed response", err)
	}
	if !env.Success {
		return statusError(resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func statusError(status int, msg string) error {
	switch status {
	case http.StatusBadRequest:
		return chaterr.Validationf("%s", msg)
	case http.StatusUnauthorized:
		return chaterr.Authf("%s", msg)
	case http.StatusForbidden:
		return chaterr.Forbiddenf("%s", msg)
	case http.StatusNotFound:
		return chaterr.NotFoundf("%s", msg)
	case http.StatusConflict:
		return chaterr.Conflictf("%s", msg)
	case http.StatusUnprocessableEntity:
		return chaterr.InvalidOpf("%s", msg)
	default:
		return chaterr.Transport(msg, nil)
	}
}
