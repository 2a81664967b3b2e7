// Package reaper closes chat sessions that have gone quiet. It is the
// only writer that ends sessions without a connected participant asking
// for it, so closure notifications are pushed through the gateway rather
// than returned to anyone.
package reaper

import (
	"context"
	"time"

	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/logging"
	"github.com/shoplane/livechat/internal/store"
)

// Notifier receives sessions the reaper has closed so connected clients
// hear about it. The gateway server satisfies this.
type Notifier interface {
	NotifySessionClosed(sess *domain.Session)
}

// Reaper periodically sweeps idle sessions and closes them with the
// timeout reason.
type Reaper struct {
	sessions *store.SessionStore
	notifier Notifier
	interval time.Duration
	idle     time.Duration
	log      *logging.Logger
}

// New builds a reaper. notifier may be nil when nothing needs to hear
// about timed-out sessions (tests, offline maintenance runs).
func New(sessions *store.SessionStore, notifier Notifier, interval, idle time.Duration, log *logging.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Reaper{
		sessions: sessions,
		notifier: notifier,
		interval: interval,
		idle:     idle,
		log:      log.Sub("reaper"),
	}
}

// Run sweeps until ctx is cancelled. The first sweep happens after one
// full interval, not at startup, so a restart never races clients that
// are still reconnecting.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info().
		Dur("interval", r.interval).
		Dur("idle", r.idle).
		Msg("reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep closes every session idle past the cutoff. One session failing
// never stops the rest of the sweep.
func (r *Reaper) Sweep() int {
	cutoff := time.Now().UTC().Add(-r.idle)
	ids, err := r.sessions.IdleSince(cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("idle session scan failed")
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	closed := 0
	for _, id := range ids {
		sess, err := r.sessions.Close(id, domain.CloseTimeout)
		if err != nil {
			r.log.Warn().Err(err).Int64("session", id).Msg("failed to close idle session")
			continue
		}
		closed++
		r.log.Info().Int64("session", id).Msg("closed idle session")
		if r.notifier != nil {
			r.notifier.NotifySessionClosed(sess)
		}
	}

	r.log.Info().Int("closed", closed).Int("candidates", len(ids)).Msg("sweep complete")
	return closed
}
