// Package session is the client-held conversation store: every (character, user) pair owns a
// collection of threads that is written back to Storage after each mutation. The backend never
// sees this state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
)

// ReplyState is the per-thread streaming state.
type ReplyState string

const (
	StateIdle      ReplyState = "idle"
	StateStreaming ReplyState = "streaming"
)

const (
	msgUnknownThread = "Unknown conversation thread"
	msgThreadBusy    = "A reply is already streaming in this thread"
)

// Thread is one conversation with a tutor.
type Thread struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"createdAt"`
	Turns     []chat.Turn `json:"turns"`
}

// LastUserText returns the text of the most recent user turn.
func (t Thread) LastUserText() (string, bool) {
	for i := len(t.Turns) - 1; i >= 0; i-- {
		if t.Turns[i].Speaker == chat.SpeakerUser {
			return t.Turns[i].Text, true
		}
	}
	return "", false
}

func (t Thread) clone() Thread {
	t.Turns = append([]chat.Turn(nil), t.Turns...)
	return t
}

// Collection is the persisted form; threads are kept in creation order.
type Collection struct {
	Threads        []Thread `json:"threads"`
	ActiveThreadID string   `json:"activeThreadId"`
}

// Greeting is the assistant turn every new thread starts with.
func Greeting(p persona.Persona, userName string) string {
	if strings.TrimSpace(p.SubjectLabel) == "" {
		return fmt.Sprintf("Hi %s! I'm %s. What would you like to learn about today?", userName, p.DisplayName)
	}
	return fmt.Sprintf("Hi %s! I'm %s. What would you like to explore in %s today?", userName, p.DisplayName, p.SubjectLabel)
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces uuid thread ids.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// Store owns one collection. It is safe for concurrent use; all mutations are persisted
// before they return.
type Store struct {
	mu       sync.Mutex
	storage  Storage
	key      string
	persona  persona.Persona
	userName string

	coll  Collection
	index map[string]int
	// 正在被流式追加的 assistant turn 与回复状态都不持久化
	open      map[string]bool
	streaming map[string]bool

	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// Open loads the collection for (p, userName). Missing or unreadable data starts a fresh
// collection; a collection always holds at least one thread, so an empty one gets its
// first thread here. Storage failures are logged and never fatal.
func Open(ctx context.Context, storage Storage, p persona.Persona, userName string, opts ...Option) *Store {
	s := &Store{
		storage:   storage,
		key:       CollectionKey(p.ID, userName),
		persona:   p,
		userName:  userName,
		index:     make(map[string]int),
		open:      make(map[string]bool),
		streaming: make(map[string]bool),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session").With(zap.String("key", s.key))

	s.coll = s.load(ctx)
	s.reindex()

	if len(s.coll.Threads) == 0 {
		// persist 失败已记录，内存中的线程照常可用
		_, _ = s.CreateThread(ctx)
		return s
	}

	if _, ok := s.index[s.coll.ActiveThreadID]; !ok {
		// 指向不存在的线程时回到最新的线程
		s.coll.ActiveThreadID = s.coll.Threads[len(s.coll.Threads)-1].ID
		_ = s.persist(ctx)
	}
	return s
}

func (s *Store) load(ctx context.Context) Collection {
	data, err := s.storage.Load(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to load sessions, starting fresh", zap.Error(err))
		}
		return Collection{}
	}

	var coll Collection
	if err := json.Unmarshal(data, &coll); err != nil {
		s.logger.Warn("corrupt sessions, starting fresh", zap.Error(err))
		return Collection{}
	}

	valid := coll.Threads[:0]
	for _, thread := range coll.Threads {
		if thread.ID == "" || len(thread.Turns) == 0 {
			continue
		}
		valid = append(valid, thread)
	}
	coll.Threads = valid
	return coll
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.coll.Threads))
	for i, thread := range s.coll.Threads {
		s.index[thread.ID] = i
	}
}

func (s *Store) persist(ctx context.Context) error {
	data, err := json.Marshal(s.coll)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := s.storage.Save(ctx, s.key, data); err != nil {
		s.logger.Warn("failed to persist sessions", zap.Error(err))
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}

// stamp returns a timestamp no earlier than the thread's last turn.
func (s *Store) stamp(thread *Thread) time.Time {
	now := s.now().UTC()
	if n := len(thread.Turns); n > 0 && now.Before(thread.Turns[n-1].Timestamp) {
		return thread.Turns[n-1].Timestamp
	}
	return now
}

func (s *Store) thread(id string) (*Thread, error) {
	i, ok := s.index[id]
	if !ok {
		return nil, apperr.New(apperr.UnknownThread, msgUnknownThread)
	}
	return &s.coll.Threads[i], nil
}

// CreateThread starts a thread seeded with the greeting and makes it active.
func (s *Store) CreateThread(ctx context.Context) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now().UTC()
	thread := Thread{
		ID:        s.newID(),
		CreatedAt: created,
		Turns: []chat.Turn{{
			Speaker:   chat.SpeakerAssistant,
			Text:      Greeting(s.persona, s.userName),
			Timestamp: created,
		}},
	}

	s.coll.Threads = append(s.coll.Threads, thread)
	s.index[thread.ID] = len(s.coll.Threads) - 1
	s.coll.ActiveThreadID = thread.ID

	return thread.clone(), s.persist(ctx)
}

// AppendUserTurn adds a user turn and closes any assistant turn still open in the thread.
func (s *Store) AppendUserTurn(ctx context.Context, threadID, text, attachmentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, err := s.thread(threadID)
	if err != nil {
		return err
	}

	delete(s.open, threadID)
	thread.Turns = append(thread.Turns, chat.Turn{
		Speaker:        chat.SpeakerUser,
		Text:           text,
		AttachmentName: attachmentName,
		Timestamp:      s.stamp(thread),
	})
	return s.persist(ctx)
}

// AppendOrExtendAssistantTurn appends chunk to the open assistant turn, or opens a new one.
func (s *Store) AppendOrExtendAssistantTurn(ctx context.Context, threadID, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, err := s.thread(threadID)
	if err != nil {
		return err
	}

	n := len(thread.Turns)
	if s.open[threadID] && n > 0 && thread.Turns[n-1].Speaker == chat.SpeakerAssistant {
		thread.Turns[n-1].Text += chunk
	} else {
		thread.Turns = append(thread.Turns, chat.Turn{
			Speaker:   chat.SpeakerAssistant,
			Text:      chunk,
			Timestamp: s.stamp(thread),
		})
		s.open[threadID] = true
	}
	return s.persist(ctx)
}

// SealAssistantTurn closes the open assistant turn; later chunks start a new turn.
func (s *Store) SealAssistantTurn(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.thread(threadID); err != nil {
		return err
	}
	delete(s.open, threadID)
	return nil
}

// BeginReply marks the thread as streaming. A thread streams at most one reply at a time.
func (s *Store) BeginReply(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.thread(threadID); err != nil {
		return err
	}
	if s.streaming[threadID] {
		return apperr.New(apperr.ThreadBusy, msgThreadBusy)
	}
	s.streaming[threadID] = true
	return nil
}

// EndReply returns the thread to idle and seals whatever the reply produced.
func (s *Store) EndReply(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streaming, threadID)
	delete(s.open, threadID)
}

// State reports whether a reply is streaming in the thread.
func (s *Store) State(threadID string) ReplyState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streaming[threadID] {
		return StateStreaming
	}
	return StateIdle
}

// SwitchActiveThread makes threadID the active thread.
func (s *Store) SwitchActiveThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.thread(threadID); err != nil {
		return err
	}
	if s.coll.ActiveThreadID == threadID {
		return nil
	}
	s.coll.ActiveThreadID = threadID
	return s.persist(ctx)
}

// ListThreads returns the threads, most recently created first.
func (s *Store) ListThreads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Thread, 0, len(s.coll.Threads))
	for i := len(s.coll.Threads) - 1; i >= 0; i-- {
		out = append(out, s.coll.Threads[i].clone())
	}
	return out
}

// Thread returns a copy of one thread.
func (s *Store) Thread(threadID string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, err := s.thread(threadID)
	if err != nil {
		return Thread{}, err
	}
	return thread.clone(), nil
}

// Active returns a copy of the active thread.
func (s *Store) Active() Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, err := s.thread(s.coll.ActiveThreadID)
	if err != nil {
		return Thread{}
	}
	return thread.clone()
}

// ActiveThreadID returns the active thread id.
func (s *Store) ActiveThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coll.ActiveThreadID
}

// Persona is the tutor this collection belongs to.
func (s *Store) Persona() persona.Persona {
	return s.persona
}

// UserName is the display name this collection belongs to.
func (s *Store) UserName() string {
	return s.userName
}
