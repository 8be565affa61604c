package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
)

// ErrReplyClosed is returned by Recv after Close.
var ErrReplyClosed = errors.New("reply closed")

type recvResult struct {
	text string
	err  error
}

// Reply is the lazy, finite chunk sequence of one StreamReply call. It cannot be restarted
// and is not safe for concurrent use.
type Reply struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan recvResult
	idle    time.Duration
	logger  *zap.Logger
	started time.Time

	emitted int
	bytes   int
	err     error
}

func newReply(ctx context.Context, cancel context.CancelFunc, stream *schema.StreamReader[*schema.Message], idle time.Duration, logger *zap.Logger) *Reply {
	r := &Reply{
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan recvResult),
		idle:    idle,
		logger:  logger,
		started: time.Now(),
	}
	go r.pump(stream)
	return r
}

// pump moves engine chunks onto results until EOF, an error, or cancellation.
func (r *Reply) pump(stream *schema.StreamReader[*schema.Message]) {
	defer close(r.results)
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			r.deliver(recvResult{err: err})
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if !r.deliver(recvResult{text: chunk.Content}) {
			return
		}
	}
}

func (r *Reply) deliver(res recvResult) bool {
	select {
	case r.results <- res:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Recv returns the next non-empty chunk, io.EOF once the engine finishes, or a
// GenerationFailed error. Use Emitted to tell a failed start from a truncation.
func (r *Reply) Recv() (string, error) {
	if r.err != nil {
		return "", r.err
	}

	var idle <-chan time.Time
	if r.idle > 0 {
		timer := time.NewTimer(r.idle)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case res, ok := <-r.results:
		if !ok {
			r.finish()
			return "", io.EOF
		}
		if res.err != nil {
			return "", r.fail(res.err)
		}
		r.emitted++
		r.bytes += len(res.text)
		return res.text, nil
	case <-idle:
		return "", r.fail(fmt.Errorf("engine idle for %s", r.idle))
	case <-r.ctx.Done():
		return "", r.fail(r.ctx.Err())
	}
}

// Emitted is the number of chunks handed to the caller so far.
func (r *Reply) Emitted() int {
	return r.emitted
}

// Close abandons the stream and releases the engine call.
func (r *Reply) Close() {
	if r.err == nil {
		r.err = ErrReplyClosed
	}
	r.cancel()
}

func (r *Reply) finish() {
	r.err = io.EOF
	r.cancel()
	r.logger.Debug("reply completed",
		zap.Int("chunks", r.emitted),
		zap.Int("bytes", r.bytes),
		zap.Duration("elapsed", time.Since(r.started)),
	)
}

func (r *Reply) fail(cause error) error {
	msg := MsgGenerationFailed
	if r.emitted > 0 {
		msg = "Reply interrupted after partial output"
	}
	r.err = apperr.Wrap(apperr.GenerationFailed, msg, cause)
	r.cancel()
	r.logger.Warn("reply failed",
		zap.Int("chunks", r.emitted),
		zap.Duration("elapsed", time.Since(r.started)),
		zap.Error(cause),
	)
	return r.err
}
