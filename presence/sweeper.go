package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/roomchat/roomchat/config"
)

const sweepTimeout = time.Minute

// LiveChecker reports whether a user has a live session in this process.
type LiveChecker interface {
	UserOnline(userId string) bool
}

// Sweeper resets presence records that are still online but were not refreshed for a while, f.e. because the process
// holding the session crashed. Users with a live session in this process are never reset.
type Sweeper struct {
	store      Store
	live       LiveChecker
	staleAfter time.Duration
	cron       *cron.Cron
	logger     hclog.Logger
	now        func() time.Time
}

// NewSweeper schedules the sweep according to the configured cron spec. live may be nil, in that case every stale
// record is reset.
func NewSweeper(store Store, live LiveChecker, cfg config.PresenceConfig, logger hclog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:      store,
		live:       live,
		staleAfter: cfg.StaleAfter,
		logger:     logger,
		now:        time.Now,
	}
	cronLogger := cron.PrintfLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}))
	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cronLogger)))
	if cfg.SweepSpec != "" {
		_, err := s.cron.AddFunc(cfg.SweepSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("presence sweep failed", "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid sweep spec %q: %w", cfg.SweepSpec, err)
		}
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the scheduler, the returned context is done when a running sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep marks stale online records offline and returns the affected user ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	before := s.now().UTC().Add(-s.staleAfter)
	if s.live == nil {
		userIds, err := s.store.MarkStaleOffline(ctx, before)
		if err != nil {
			return nil, err
		}
		s.logSwept(userIds)
		return userIds, nil
	}
	online, err := s.store.GetOnlinePresences(ctx)
	if err != nil {
		return nil, err
	}
	userIds := make([]string, 0)
	for _, p := range online {
		if !p.LastSeen.Before(before) || s.live.UserOnline(p.UserId) {
			continue
		}
		p.IsOnline = false
		p.CurrentRoom = ""
		if err := s.store.UpsertPresence(ctx, p); err != nil {
			return userIds, err
		}
		userIds = append(userIds, p.UserId)
	}
	s.logSwept(userIds)
	return userIds, nil
}

func (s *Sweeper) logSwept(userIds []string) {
	if len(userIds) > 0 {
		s.logger.Info("reset stale presence", "count", len(userIds), "users", userIds)
	}
}
