package agent

import (
	"sync"

	"github.com/nodenexus/nodenexus/pkg/log"
)

// Updater runs self-update checks as a cooperative single-flight: a
// trigger arriving while a check runs is dropped, not queued.
type Updater struct {
	mu sync.Mutex

	// Check performs the actual update check. Nil means checks log and
	// do nothing, which is the default until a release channel is wired
	// in deployment.
	Check func() error
}

// TriggerCheck starts a check unless one is already in flight.
func (u *Updater) TriggerCheck() {
	if !u.mu.TryLock() {
		log.WithComponent("updater").Debug().Msg("update check already in flight")
		return
	}
	go func() {
		defer u.mu.Unlock()
		logger := log.WithComponent("updater")
		if u.Check == nil {
			logger.Info().Msg("update check requested, no release channel configured")
			return
		}
		if err := u.Check(); err != nil {
			logger.Error().Err(err).Msg("update check failed")
			return
		}
		logger.Info().Msg("update check completed")
	}()
}
