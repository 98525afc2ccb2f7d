package storage

import (
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

// ResetTrafficCycle zeroes the host's cycle counters and records the
// reset boundary times. The last processed cumulative values are kept so
// the next snapshot's delta stays correct across the reset.
func (s *Store) ResetTrafficCycle(hostID int64, resetAt time.Time, nextResetAt *time.Time) error {
	res, err := s.db.Exec(`UPDATE hosts SET
		traffic_current_cycle_rx_bytes = 0,
		traffic_current_cycle_tx_bytes = 0,
		traffic_last_reset_at = ?,
		next_traffic_reset_at = ?,
		updated_at = ?
		WHERE id = ?`,
		toMillis(resetAt), toNullMillis(nextResetAt), toMillis(nowUTC()), hostID)
	if err != nil {
		return types.NewStorageError("reset traffic cycle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %d: %w", hostID, types.ErrNotFound)
	}
	return nil
}

// ListHostsDueTrafficReset returns hosts whose next reset boundary is at
// or before now. Hosts without a reset rule never match.
func (s *Store) ListHostsDueTrafficReset(now time.Time) ([]*types.Host, error) {
	return s.queryHosts(`SELECT `+hostColumns+` FROM hosts
		WHERE traffic_reset_rule <> '' AND next_traffic_reset_at IS NOT NULL AND next_traffic_reset_at <= ?
		ORDER BY id`, toMillis(now))
}
