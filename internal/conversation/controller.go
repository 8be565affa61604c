package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/client"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/referral"
	"github.com/zhouzirui/tutor-chat/backend/internal/session"
)

// Local messages appended when a reply could not be completed.
const (
	MsgReplyFailed    = "Oops! I couldn't answer just now (%s). Please try again."
	MsgReplyTruncated = "Sorry, my answer got cut off. You can ask me again!"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNoCharacter     = errors.New("no character selected")
	ErrUnknownReferral = errors.New("referral targets an unknown character")
)

// ChatClient streams a reply from the backend.
type ChatClient interface {
	StreamChat(ctx context.Context, req client.ChatRequest, onChunk client.ChunkFunc) error
}

// PendingHandoff is a question waiting to be re-asked to the tutor a referral pointed at.
type PendingHandoff struct {
	From     string
	To       string
	Question string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithHandoffDelay waits before a pending question is submitted.
func WithHandoffDelay(d time.Duration) Option {
	return func(c *Controller) { c.handoffDelay = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(logger) }
}

// WithSessionOptions is passed to every session.Open.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// Controller owns one child's conversations with every tutor.
type Controller struct {
	mu       sync.Mutex
	chat     ChatClient
	storage  session.Storage
	userName string
	roster   map[string]persona.Persona
	order    []string

	stores  map[string]*session.Store
	current string
	pending *PendingHandoff

	view         *View
	handoffDelay time.Duration
	sessionOpts  []session.Option
	logger       *zap.Logger
}

// NewController creates a controller for userName over the given roster.
func NewController(chatClient ChatClient, storage session.Storage, userName string, roster []persona.Public, opts ...Option) *Controller {
	c := &Controller{
		chat:     chatClient,
		storage:  storage,
		userName: userName,
		roster:   make(map[string]persona.Persona, len(roster)),
		stores:   make(map[string]*session.Store),
		view:     NewView(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("conversation")

	for _, p := range roster {
		c.roster[p.ID] = persona.Persona{
			ID:            p.ID,
			DisplayName:   p.DisplayName,
			Icon:          p.Icon,
			SubjectLabel:  p.SubjectLabel,
			VoiceIdentity: p.VoiceIdentity,
		}
		c.order = append(c.order, p.ID)
	}
	return c
}

// Select makes characterID the current tutor, loading its threads on first use.
func (c *Controller) Select(ctx context.Context, characterID string) (*session.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(ctx, characterID)
}

func (c *Controller) selectLocked(ctx context.Context, characterID string) (*session.Store, error) {
	p, ok := c.roster[characterID]
	if !ok {
		return nil, apperr.New(apperr.InvalidPersona, "Invalid or missing characterId")
	}

	store, ok := c.stores[characterID]
	if !ok {
		opts := append([]session.Option{session.WithLogger(c.logger)}, c.sessionOpts...)
		store = session.Open(ctx, c.storage, p, c.userName, opts...)
		c.stores[characterID] = store
	}
	c.current = characterID
	return store, nil
}

// Current returns the current tutor's store, nil before the first Select.
func (c *Controller) Current() *session.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stores[c.current]
}

// Persona looks up a tutor by id.
func (c *Controller) Persona(id string) (persona.Persona, bool) {
	p, ok := c.roster[id]
	return p, ok
}

// Characters returns the roster in server order.
func (c *Controller) Characters() []persona.Persona {
	out := make([]persona.Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.roster[id])
	}
	return out
}

// Render returns the active thread of the current tutor. Referrals to unknown tutors or to
// the current tutor itself are dropped.
func (c *Controller) Render() []Message {
	store := c.Current()
	if store == nil {
		return nil
	}

	thread := store.Active()
	messages := c.view.Render(thread, store.State(thread.ID) == session.StateStreaming)
	for i := range messages {
		if len(messages[i].Actions) == 0 {
			continue
		}
		kept := messages[i].Actions[:0:0]
		for _, action := range messages[i].Actions {
			if _, known := c.roster[action.PersonaID]; known && action.PersonaID != store.Persona().ID {
				kept = append(kept, action)
			}
		}
		messages[i].Actions = kept
	}
	return messages
}

// Send appends text as a user turn to the current tutor's active thread and streams the reply
// into it. onChunk, if set, sees every fragment as it arrives.
func (c *Controller) Send(ctx context.Context, text string, attachment *chat.Attachment, onChunk func(string)) error {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return ErrEmptyMessage
	}

	store := c.Current()
	if store == nil {
		return ErrNoCharacter
	}
	return c.send(ctx, store, store.ActiveThreadID(), text, attachment, onChunk)
}

func (c *Controller) send(ctx context.Context, store *session.Store, threadID, text string, attachment *chat.Attachment, onChunk func(string)) error {
	if err := store.BeginReply(threadID); err != nil {
		return err
	}
	defer store.EndReply(threadID)

	attachmentName := ""
	if attachment != nil {
		attachmentName = attachment.Name
	}
	if err := c.soft(store.AppendUserTurn(ctx, threadID, text, attachmentName)); err != nil {
		return err
	}

	thread, err := store.Thread(threadID)
	if err != nil {
		return err
	}

	received := 0
	err = c.chat.StreamChat(ctx, client.ChatRequest{
		CharacterID: store.Persona().ID,
		UserName:    store.UserName(),
		ThreadID:    threadID,
		Turns:       thread.Turns,
		Attachment:  attachment,
	}, func(chunk string) error {
		received++
		if err := c.soft(store.AppendOrExtendAssistantTurn(ctx, threadID, chunk)); err != nil {
			return err
		}
		if onChunk != nil {
			onChunk(chunk)
		}
		return nil
	})
	if err := store.SealAssistantTurn(threadID); err != nil {
		return err
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		// 用户放弃：保留已收到的部分，不追加提示
		return ctx.Err()
	case errors.Is(err, client.ErrTruncated):
		c.logger.Warn("reply truncated", zap.String("thread", threadID), zap.Int("chunks", received), zap.Error(err))
		c.appendLocal(ctx, store, threadID, MsgReplyTruncated)
	default:
		c.logger.Warn("reply failed", zap.String("thread", threadID), zap.Error(err))
		c.appendLocal(ctx, store, threadID, fmt.Sprintf(MsgReplyFailed, userMessage(err)))
	}
	return err
}

func (c *Controller) appendLocal(ctx context.Context, store *session.Store, threadID, text string) {
	if err := c.soft(store.AppendOrExtendAssistantTurn(ctx, threadID, text)); err != nil {
		c.logger.Warn("failed to append local message", zap.String("thread", threadID), zap.Error(err))
	}
	_ = store.SealAssistantTurn(threadID)
}

// soft drops persistence failures: the in-memory thread is already updated and a broken disk
// must not stop the conversation.
func (c *Controller) soft(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.KindOf(err); ok {
		return err
	}
	c.logger.Warn("session not persisted", zap.Error(err))
	return nil
}

func userMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "the tutor could not be reached"
}

// ActivateSwitch moves to the tutor a referral points at and remembers the last question of
// the current thread so it can be asked again there.
func (c *Controller) ActivateSwitch(ctx context.Context, action referral.Action) (*session.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.roster[action.PersonaID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReferral, action.PersonaID)
	}

	from := c.current
	var question string
	if store := c.stores[from]; store != nil {
		question, _ = store.Active().LastUserText()
	}

	target, err := c.selectLocked(ctx, action.PersonaID)
	if err != nil {
		return nil, err
	}

	c.pending = nil
	if strings.TrimSpace(question) != "" {
		c.pending = &PendingHandoff{From: from, To: action.PersonaID, Question: question}
	}
	return target, nil
}

// Pending returns the handoff waiting for delivery.
func (c *Controller) Pending() (PendingHandoff, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingHandoff{}, false
	}
	return *c.pending, true
}

// DeliverPendingHandoff submits the pending question to the current tutor's active thread.
// It does nothing unless the current tutor is the handoff target and that thread is idle.
// The handoff is cleared before submission, so a question is asked at most once.
func (c *Controller) DeliverPendingHandoff(ctx context.Context, onChunk func(string)) (bool, error) {
	c.mu.Lock()
	pending := c.pending
	store := c.stores[c.current]
	if pending == nil || store == nil || pending.To != c.current {
		c.mu.Unlock()
		return false, nil
	}
	threadID := store.ActiveThreadID()
	if store.State(threadID) != session.StateIdle {
		c.mu.Unlock()
		return false, nil
	}
	c.pending = nil
	c.mu.Unlock()

	if c.handoffDelay > 0 {
		timer := time.NewTimer(c.handoffDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.mu.Lock()
			if c.pending == nil {
				c.pending = pending
			}
			c.mu.Unlock()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	c.logger.Debug("delivering handoff", zap.String("from", pending.From), zap.String("to", pending.To))
	return true, c.send(ctx, store, threadID, pending.Question, nil, onChunk)
}

// NewThread starts a fresh thread with the current tutor.
func (c *Controller) NewThread(ctx context.Context) (session.Thread, error) {
	store := c.Current()
	if store == nil {
		return session.Thread{}, ErrNoCharacter
	}
	thread, err := store.CreateThread(ctx)
	return thread, c.soft(err)
}

// SwitchThread activates another thread of the current tutor.
func (c *Controller) SwitchThread(ctx context.Context, threadID string) error {
	store := c.Current()
	if store == nil {
		return ErrNoCharacter
	}
	return c.soft(store.SwitchActiveThread(ctx, threadID))
}
