package approval

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically expires pending tasks older than the approval
// timeout.
type Sweeper struct {
	store     *Store
	timeout   time.Duration
	onExpired func(*Task)
	log       logr.Logger
	cron      *cron.Cron
}

// NewSweeper creates a sweeper that runs every minute once started.
// onExpired fires once per expired task, after the store write.
func NewSweeper(store *Store, timeout time.Duration, onExpired func(*Task), log logr.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		timeout:   timeout,
		onExpired: onExpired,
		log:       log,
		cron:      cron.New(),
	}
}

// Start schedules the sweep. Returns an error only on a bad schedule.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.store.ExpireStale(ctx, s.timeout)
	if err != nil {
		s.log.Error(err, "approval expiry sweep failed")
		return
	}
	for _, t := range expired {
		s.log.Info("approval task expired", "taskID", t.TaskID, "tool", t.Tool)
		if s.onExpired != nil {
			s.onExpired(t)
		}
	}
}
