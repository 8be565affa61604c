package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
)

// MsgThreadBusy is returned when a thread already has a reply in flight.
const MsgThreadBusy = "A reply is already streaming for this thread"

// ThreadKey identifies one conversation thread as seen by the server.
type ThreadKey struct {
	CharacterID string
	UserName    string
	ThreadID    string
}

func (k ThreadKey) String() string {
	return k.CharacterID + "|" + k.UserName + "|" + k.ThreadID
}

// Service tracks in-flight replies. The backend keeps no transcripts; the only thing it
// remembers is which threads are streaming right now.
type Service struct {
	mu       sync.Mutex
	inflight map[string]time.Time
	now      func() time.Time
}

// NewService bootstraps an empty in-flight tracker.
func NewService() *Service {
	return &Service{
		inflight: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Acquire marks key as streaming and returns the func that releases it. A key without a
// thread id cannot be told apart from other threads and is never guarded.
func (s *Service) Acquire(key ThreadKey) (func(), error) {
	if strings.TrimSpace(key.ThreadID) == "" {
		return func() {}, nil
	}

	id := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[id]; busy {
		return nil, apperr.New(apperr.ThreadBusy, MsgThreadBusy)
	}
	s.inflight[id] = s.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		})
	}, nil
}

// InFlight reports how many guarded threads are streaming.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Since returns when key started streaming.
func (s *Service) Since(key ThreadKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, ok := s.inflight[key.String()]
	return started, ok
}
