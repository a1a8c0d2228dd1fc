package adapter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/scheduler"
)

// DefaultRepollDelay is the wait before the out-of-band poll that follows a
// successful leverage, order or cancel call.
const DefaultRepollDelay = 500 * time.Millisecond

// PollFunc performs one poll cycle for symbol and publishes what it reads.
type PollFunc func(ctx context.Context, symbol Symbol) error

// Streamer owns the polling schedule of one adapter: a synchronous first
// poll, a periodic repeat task and short-delay out-of-band polls. Poll
// cycles of one Streamer never overlap.
//
// A KindNetwork failure halts the stream until Start is called again; any
// other failure is logged and the schedule continues.
type Streamer struct {
	interval time.Duration
	repoll   time.Duration
	poll     PollFunc
	emit     *Emitter

	pollMu sync.Mutex

	mu     sync.Mutex
	symbol Symbol
	gen    uint64 // identifies the current stream
	task   *scheduler.Repeat
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamer returns a stopped Streamer. A non-positive repoll uses
// DefaultRepollDelay.
func NewStreamer(interval, repoll time.Duration, emit *Emitter, poll PollFunc) *Streamer {
	if repoll <= 0 {
		repoll = DefaultRepollDelay
	}
	return &Streamer{
		interval: interval,
		repoll:   repoll,
		poll:     poll,
		emit:     emit,
	}
}

// Start begins streaming symbol. The first poll runs before Start returns.
// If the stream is already running only the symbol changes.
func (s *Streamer) Start(ctx context.Context, symbol Symbol) {
	s.mu.Lock()
	if s.cancel != nil {
		s.symbol = symbol
		s.mu.Unlock()
		return
	}
	// The stream outlives the caller's ctx; only Stop ends it.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.gen++
	poll := s.pollTask(s.gen)
	task := scheduler.NewRepeat(s.interval, poll)
	s.symbol = symbol
	s.ctx = sctx
	s.cancel = cancel
	s.task = task
	s.mu.Unlock()

	s.emit.Info("streaming started for "+symbol.Market(), zap.Duration("interval", s.interval))

	_ = poll.Execute(sctx)
	if sctx.Err() != nil {
		return
	}
	task.Start(sctx)
}

// Stop halts the schedule, drops pending out-of-band polls and waits for a
// poll already in flight, so nothing is published after it returns. It
// reports whether a stream was running.
func (s *Streamer) Stop() bool {
	if !s.stop() {
		return false
	}
	s.pollMu.Lock()
	s.pollMu.Unlock()
	return true
}

// stop is Stop without the wait; runPoll calls it while holding pollMu.
func (s *Streamer) stop() bool {
	s.mu.Lock()
	cancel := s.cancel
	task := s.task
	s.cancel = nil
	s.task = nil
	s.ctx = nil
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	task.Stop()
	s.emit.Info("streaming stopped")
	return true
}

// Running reports whether the stream is active.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Symbol returns the symbol being streamed.
func (s *Streamer) Symbol() Symbol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol
}

// Repoll schedules one out-of-band poll after the short delay. It does
// nothing when the stream is not running.
func (s *Streamer) Repoll() {
	s.mu.Lock()
	ctx, gen := s.ctx, s.gen
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	scheduler.After(ctx, s.repoll, s.pollTask(gen))
}

// PollNow runs one poll cycle synchronously if the stream is running.
func (s *Streamer) PollNow() {
	s.mu.Lock()
	ctx, gen := s.ctx, s.gen
	s.mu.Unlock()
	if ctx != nil {
		s.runPoll(ctx, gen)
	}
}

func (s *Streamer) pollTask(gen uint64) scheduler.Task {
	return scheduler.TaskFunc(func(ctx context.Context) error {
		s.runPoll(ctx, gen)
		return nil
	})
}

func (s *Streamer) runPoll(ctx context.Context, gen uint64) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	err := s.poll(ctx, s.Symbol())
	if err == nil || ctx.Err() != nil {
		return
	}

	if IsKind(err, KindNetwork) {
		s.emit.Error("network failure, streaming halted", err)
		s.halt(gen)
		return
	}
	s.emit.Error("poll failed", err)
}

// halt stops stream gen. A newer stream is left alone.
func (s *Streamer) halt(gen uint64) {
	s.mu.Lock()
	own := s.cancel != nil && s.gen == gen
	s.mu.Unlock()
	if own {
		s.stop()
	}
}
