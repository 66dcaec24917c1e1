// Package channel pushes each connected user's pending approval tasks over
// WebSocket and keeps every session of that user in sync as tasks move
// through their chains.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// TaskSource computes the pending set a user may act on.
type TaskSource interface {
	PendingForUser(ctx context.Context, userID string) ([]service.TaskView, error)
}

// Config tunes sessions. Zero values fall back to defaults.
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

const maxMessageSize = 4096

// Hub tracks live sessions per user and implements service.Notifier.
type Hub struct {
	tasks     TaskSource
	cfg       Config
	upgrader  websocket.Upgrader
	log       zerolog.Logger
	// pushLocks orders snapshot reads and enqueues per user.
	pushLocks *service.KeyedMutex

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	closed   bool
}

// NewHub creates a hub reading pending sets from tasks.
func NewHub(tasks TaskSource, cfg Config, log zerolog.Logger) *Hub {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	h := &Hub{
		tasks:     tasks,
		cfg:       cfg,
		log:       log,
		pushLocks: service.NewKeyedMutex(),
		sessions:  make(map[string]map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Serve upgrades the request and runs a session for userID until the peer
// goes away. The caller has already authenticated the user.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("Task channel upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan any, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	defer h.unregister(s)

	h.log.Info().Str("user_id", userID).Str("session_id", s.id).Msg("Task channel connected")

	go h.writePump(s)
	h.pushTasks(ctx, s, TypeInitialTasks)
	h.readPump(ctx, s)

	h.log.Info().Str("user_id", userID).Str("session_id", s.id).Msg("Task channel disconnected")
}

// Notify re-pushes the pending set of every affected user and tells the
// owner when a chain ends. Users who can act on a newly pending task also
// get a notification about it.
func (h *Hub) Notify(ctx context.Context, ev service.TaskEvent) {
	fresh := newlyPending(ev)
	for _, userID := range ev.Recipients {
		h.pushUpdate(ctx, userID, ev.ActorID, fresh)
	}

	if ev.Terminal && ev.OwnerID != "" {
		task := ev.Task
		h.sendNotification(ev.OwnerID, Notification{
			Type:    TypeNotification,
			Message: ownerNote(ev),
			Task:    &task,
		})
	}
}

// pushUpdate sends userID's current pending set to all of their sessions.
// Holding the user's push lock across the read and the enqueue keeps a
// slower, older snapshot from landing after a newer one.
func (h *Hub) pushUpdate(ctx context.Context, userID, actorID string, fresh *service.TaskView) {
	unlock := h.pushLocks.Lock(userID)
	defer unlock()

	sessions := h.userSessions(userID)
	if len(sessions) == 0 {
		return
	}
	tasks, err := h.tasks.PendingForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("Could not compute pending tasks for push")
		return
	}
	msg := taskMessage(TypeTasksUpdate, tasks)
	var note *Notification
	if fresh != nil && userID != actorID && containsTask(tasks, fresh.ID) {
		note = &Notification{
			Type:    TypeNotification,
			Message: fmt.Sprintf("You have a new task to approve: %s", fresh.StepName),
			Task:    fresh,
		}
	}
	for _, s := range sessions {
		h.enqueue(s, msg)
		if note != nil {
			h.enqueue(s, *note)
		}
	}
}

// Connections returns the number of live sessions of a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// DisconnectUser ends every session of a user and returns how many there
// were. Clients reconnect on their own.
func (h *Hub) DisconnectUser(userID string) int {
	sessions := h.userSessions(userID)
	for _, s := range sessions {
		s.close()
	}
	return len(sessions)
}

// Close ends every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

// ── Sessions ──────────────────────────────────────────────────────────────────

type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan any
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.sessions[s.userID]
	if set == nil {
		set = make(map[*session]struct{})
		h.sessions[s.userID] = set
	}
	set[s] = struct{}{}
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.userID)
		}
	}
	h.mu.Unlock()
	s.close()
}

func (h *Hub) userSessions(userID string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[userID]
	out := make([]*session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// enqueue never blocks. A session whose buffer is full is dropped; the
// client resyncs on reconnect.
func (h *Hub) enqueue(s *session, msg any) {
	select {
	case <-s.done:
	case s.send <- msg:
	default:
		h.log.Warn().Str("user_id", s.userID).Str("session_id", s.id).Msg("Task channel send buffer full, closing session")
		s.close()
	}
}

func (h *Hub) pushTasks(ctx context.Context, s *session, typ string) {
	unlock := h.pushLocks.Lock(s.userID)
	defer unlock()

	tasks, err := h.tasks.PendingForUser(ctx, s.userID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", s.userID).Msg("Could not compute pending tasks")
		return
	}
	h.enqueue(s, taskMessage(typ, tasks))
}

func (h *Hub) sendNotification(userID string, n Notification) {
	for _, s := range h.userSessions(userID) {
		h.enqueue(s, n)
	}
}

func (h *Hub) readPump(ctx context.Context, s *session) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("session_id", s.id).Msg("Task channel read failed")
			}
			return
		}
		switch msg.Type {
		case TypeFetchTasks:
			h.pushTasks(ctx, s, TypeTasksData)
		default:
			h.log.Debug().Str("session_id", s.id).Str("type", msg.Type).Msg("Ignoring task channel message")
		}
	}
}

func (h *Hub) writePump(s *session) {
	ping := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer ping.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Str("session_id", s.id).Msg("Task channel write failed")
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// ── Notification text ─────────────────────────────────────────────────────────

// newlyPending returns the task the event made pending, if any.
func newlyPending(ev service.TaskEvent) *service.TaskView {
	switch {
	case ev.Kind == service.EventTaskCreated:
		task := ev.Task
		return &task
	case ev.Next != nil:
		task := *ev.Next
		return &task
	}
	return nil
}

func containsTask(tasks []service.TaskView, id string) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func ownerNote(ev service.TaskEvent) string {
	verb := "approved"
	if ev.Kind == service.EventTaskRejected {
		verb = "rejected"
	}
	label := ev.Task.ActionLabel
	if label == "" {
		label = ev.Task.ActionCode
	}
	return fmt.Sprintf("Your %s was %s by %s", label, verb, ev.ActorID)
}
