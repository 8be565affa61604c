package chat_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	chat "github.com/zhouzirui/tutor-chat/backend/internal/service/chat"
)

func TestAcquireRejectsSecondReplyOnSameThread(t *testing.T) {
	svc := chat.NewService()
	key := chat.ThreadKey{CharacterID: "lantern", UserName: "Ada", ThreadID: "t1"}

	release, err := svc.Acquire(key)
	require.NoError(t, err)

	_, err = svc.Acquire(key)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.ThreadBusy))

	release()
	release()
	assert.Zero(t, svc.InFlight())

	release, err = svc.Acquire(key)
	require.NoError(t, err)
	release()
}

func TestDistinctThreadsAreIndependent(t *testing.T) {
	svc := chat.NewService()

	r1, err := svc.Acquire(chat.ThreadKey{CharacterID: "lantern", UserName: "Ada", ThreadID: "t1"})
	require.NoError(t, err)
	r2, err := svc.Acquire(chat.ThreadKey{CharacterID: "lantern", UserName: "Ada", ThreadID: "t2"})
	require.NoError(t, err)
	r3, err := svc.Acquire(chat.ThreadKey{CharacterID: "pixel", UserName: "Ada", ThreadID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, 3, svc.InFlight())
	r1()
	r2()
	r3()
	assert.Zero(t, svc.InFlight())
}

func TestAcquireWithoutThreadIDIsUnguarded(t *testing.T) {
	svc := chat.NewService()
	key := chat.ThreadKey{CharacterID: "lantern", UserName: "Ada"}

	r1, err := svc.Acquire(key)
	require.NoError(t, err)
	r2, err := svc.Acquire(key)
	require.NoError(t, err)
	assert.Zero(t, svc.InFlight())
	r1()
	r2()
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	svc := chat.NewService()
	key := chat.ThreadKey{CharacterID: "fern", UserName: "Ada", ThreadID: "t1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Acquire(key); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	_, ok := svc.Since(key)
	assert.True(t, ok)
}
