// Package gameloop runs the fixed-step frame loop that hosts the ECS runner.
package gameloop

import (
	"context"
	"time"

	"go.uber.org/zap"

	coresys "github.com/l1jgo/statebridge/internal/core/system"
)

// Options configures a Loop.
type Options struct {
	TickRate time.Duration
	// TickPhase is the phase state trees run in.
	TickPhase coresys.Phase
	// PhaseDelayFrames holds the tick phase back for that many frames, the
	// way a host that builds its pipeline lazily would.
	PhaseDelayFrames int
}

// Loop owns the frame cadence. Each frame ticks the frame ticker first and
// then the runner, all on the goroutine that called Run.
type Loop struct {
	runner *coresys.Runner
	ticker *coresys.Ticker
	opts   Options
	log    *zap.Logger

	frames int
	posted chan func()
}

func New(runner *coresys.Runner, ticker *coresys.Ticker, opts Options, log *zap.Logger) *Loop {
	return &Loop{
		runner: runner,
		ticker: ticker,
		opts:   opts,
		log:    log,
		posted: make(chan func(), 8),
	}
}

// StateTreeTickPhase reports the state tree phase once the delay has passed.
func (l *Loop) StateTreeTickPhase() (coresys.Phase, bool) {
	if l.frames < l.opts.PhaseDelayFrames {
		return 0, false
	}
	return l.opts.TickPhase, true
}

// StateTreeFixedStepInterval reports the tick rate when one is configured.
func (l *Loop) StateTreeFixedStepInterval() (time.Duration, bool) {
	return l.opts.TickRate, l.opts.TickRate > 0
}

// Frames returns the number of frames run so far.
func (l *Loop) Frames() int { return l.frames }

// Frame runs one frame.
func (l *Loop) Frame(dt time.Duration) {
	l.ticker.Tick(dt)
	l.runner.Tick(dt)
	l.frames++
}

// Post schedules fn to run on the loop goroutine between frames. It
// reports false when the queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case l.posted <- fn:
		return true
	default:
		return false
	}
}

// Run ticks frames at the configured rate until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	rate := l.opts.TickRate
	if rate <= 0 {
		rate = time.Second / 60
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	l.log.Info("game loop started", zap.Duration("tick_rate", rate), zap.Stringer("statetree_phase", l.opts.TickPhase))
	for {
		select {
		case <-ticker.C:
			l.Frame(rate)
		case fn := <-l.posted:
			fn()
		case <-ctx.Done():
			l.log.Info("game loop stopped", zap.Int("frames", l.frames))
			return nil
		}
	}
}
