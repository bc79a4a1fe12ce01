package channel

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/pkg/errs"
)

// Reopener reopens a channel with exponential backoff each time it enters Error
type Reopener struct {
	ch     *Channel
	loop   *eventloop.Loop
	logger *slog.Logger
	bo     *backoff.ExponentialBackOff
	timer  *eventloop.Timer
	closed bool
}

// WatchReopen attaches a Reopener to ch. It never reopens a channel that was not opened
// by its owner first.
func WatchReopen(loop *eventloop.Loop, ch *Channel, initial, maxWait time.Duration, logger *slog.Logger) *Reopener {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxWait
	bo.MaxElapsedTime = 0
	bo.Clock = loop.Clock()
	bo.Reset()

	r := &Reopener{ch: ch, loop: loop, logger: logger, bo: bo}
	ch.OnStateChange(r.stateChanged)
	return r
}

func (r *Reopener) stateChanged(s State) {
	if r.closed {
		return
	}
	switch s {
	case Connected:
		r.bo.Reset()
	case Error:
		if r.timer.Active() {
			return
		}
		wait := r.bo.NextBackOff()
		r.logger.Warn("Channel down, reopening",
			"channel", r.ch.Name(),
			"error", errs.Newf(errs.ChannelFault, r.ch.Name(), "%s", r.ch.LastError()),
			"retry_in", wait)
		r.timer = r.loop.AfterFunc(wait, r.reopen)
	}
}

func (r *Reopener) reopen() {
	r.timer = nil
	if r.closed {
		return
	}
	if err := r.ch.Open(); err != nil {
		r.logger.Debug("Reopen failed", "channel", r.ch.Name(), "error", err)
	}
}

// Stop cancels any pending reopen; the channel is left as is
func (r *Reopener) Stop() {
	r.closed = true
	r.timer.Stop()
}
