// Package conversation renders session threads and drives the send, switch and handoff flow
// of the client.
package conversation

import (
	"sync"
	"time"

	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/referral"
	"github.com/zhouzirui/tutor-chat/backend/internal/session"
)

// Message is a turn as shown to the child: referral markers removed, actions surfaced.
type Message struct {
	Speaker        chat.Speaker
	Text           string
	AttachmentName string
	Timestamp      time.Time
	Actions        []referral.Action
}

type cacheKey struct {
	threadID string
	index    int
}

type cacheEntry struct {
	raw    string
	parsed referral.Parsed
}

// View turns threads into messages. Completed assistant turns are parsed once; the turn that
// is still streaming is parsed on every render and never cached.
type View struct {
	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	parse func(string) referral.Parsed
}

func NewView() *View {
	return &View{
		cache: make(map[cacheKey]cacheEntry),
		parse: referral.Parse,
	}
}

// Render returns the thread's messages. streaming marks the last turn as still open.
func (v *View) Render(thread session.Thread, streaming bool) []Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Message, 0, len(thread.Turns))
	last := len(thread.Turns) - 1
	for i, turn := range thread.Turns {
		msg := Message{
			Speaker:        turn.Speaker,
			Text:           turn.Text,
			AttachmentName: turn.AttachmentName,
			Timestamp:      turn.Timestamp,
		}
		if turn.Speaker == chat.SpeakerAssistant {
			var parsed referral.Parsed
			if streaming && i == last {
				parsed = v.parse(turn.Text)
				// 流式中的回复不暴露操作，等封口后再给出
				parsed.Actions = nil
			} else {
				parsed = v.completed(thread.ID, i, turn.Text)
			}
			msg.Text = parsed.CleanText
			msg.Actions = parsed.Actions
		}
		out = append(out, msg)
	}
	return out
}

func (v *View) completed(threadID string, index int, raw string) referral.Parsed {
	key := cacheKey{threadID: threadID, index: index}
	if entry, ok := v.cache[key]; ok && entry.raw == raw {
		return entry.parsed
	}
	parsed := v.parse(raw)
	v.cache[key] = cacheEntry{raw: raw, parsed: parsed}
	return parsed
}

// Forget drops cached parses for a thread.
func (v *View) Forget(threadID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key := range v.cache {
		if key.threadID == threadID {
			delete(v.cache, key)
		}
	}
}
