package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

const renewalColumns = `host_id, cycle, custom_cycle_days, price_cents, currency,
	last_renewal_date, next_renewal_date, auto_renew_enabled, reminder_active, updated_at`

func scanRenewal(r rowScanner) (*types.Renewal, error) {
	var (
		ren       types.Renewal
		lastDate  sql.NullInt64
		nextDate  sql.NullInt64
		updatedAt int64
	)
	err := r.Scan(&ren.HostID, &ren.Cycle, &ren.CustomCycleDays, &ren.PriceCents, &ren.Currency,
		&lastDate, &nextDate, &ren.AutoRenewEnabled, &ren.ReminderActive, &updatedAt)
	if err != nil {
		return nil, err
	}
	ren.LastRenewalDate = fromNullMillis(lastDate)
	ren.NextRenewalDate = fromNullMillis(nextDate)
	ren.UpdatedAt = fromMillis(updatedAt)
	return &ren, nil
}

// UpsertRenewal writes the host's renewal settings, one row per host.
func (s *Store) UpsertRenewal(ren *types.Renewal) error {
	ren.UpdatedAt = nowUTC()
	_, err := s.db.Exec(`INSERT INTO renewals
		(host_id, cycle, custom_cycle_days, price_cents, currency,
		 last_renewal_date, next_renewal_date, auto_renew_enabled, reminder_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host_id) DO UPDATE SET
		    cycle = excluded.cycle, custom_cycle_days = excluded.custom_cycle_days,
		    price_cents = excluded.price_cents, currency = excluded.currency,
		    last_renewal_date = excluded.last_renewal_date,
		    next_renewal_date = excluded.next_renewal_date,
		    auto_renew_enabled = excluded.auto_renew_enabled,
		    reminder_active = excluded.reminder_active,
		    updated_at = excluded.updated_at`,
		ren.HostID, ren.Cycle, ren.CustomCycleDays, ren.PriceCents, ren.Currency,
		toNullMillis(ren.LastRenewalDate), toNullMillis(ren.NextRenewalDate),
		ren.AutoRenewEnabled, ren.ReminderActive, toMillis(ren.UpdatedAt))
	return types.NewStorageError("upsert renewal", err)
}

// GetRenewal fetches the host's renewal record.
func (s *Store) GetRenewal(hostID int64) (*types.Renewal, error) {
	row := s.db.QueryRow(`SELECT `+renewalColumns+` FROM renewals WHERE host_id = ?`, hostID)
	ren, err := scanRenewal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("renewal for host %d: %w", hostID, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get renewal", err)
	}
	return ren, nil
}

// ListRenewals returns every renewal record.
func (s *Store) ListRenewals() ([]*types.Renewal, error) {
	rows, err := s.db.Query(`SELECT ` + renewalColumns + ` FROM renewals ORDER BY host_id`)
	if err != nil {
		return nil, types.NewStorageError("list renewals", err)
	}
	defer rows.Close()

	var renewals []*types.Renewal
	for rows.Next() {
		ren, err := scanRenewal(rows)
		if err != nil {
			return nil, types.NewStorageError("scan renewal", err)
		}
		renewals = append(renewals, ren)
	}
	return renewals, types.NewStorageError("list renewals", rows.Err())
}

// SetReminderActive flips the reminder flag.
func (s *Store) SetReminderActive(hostID int64, active bool) error {
	res, err := s.db.Exec(`UPDATE renewals SET reminder_active = ?, updated_at = ? WHERE host_id = ?`,
		active, toMillis(nowUTC()), hostID)
	if err != nil {
		return types.NewStorageError("set reminder", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("renewal for host %d: %w", hostID, types.ErrNotFound)
	}
	return nil
}

// AdvanceRenewal records an auto-renew roll-over: the old next date
// becomes the last date, the reminder clears.
func (s *Store) AdvanceRenewal(hostID int64, lastDate, nextDate time.Time) error {
	res, err := s.db.Exec(`UPDATE renewals SET
		last_renewal_date = ?, next_renewal_date = ?, reminder_active = 0, updated_at = ?
		WHERE host_id = ?`,
		toMillis(lastDate), toMillis(nextDate), toMillis(nowUTC()), hostID)
	if err != nil {
		return types.NewStorageError("advance renewal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("renewal for host %d: %w", hostID, types.ErrNotFound)
	}
	return nil
}

// DeleteRenewal removes the host's renewal record.
func (s *Store) DeleteRenewal(hostID int64) error {
	_, err := s.db.Exec(`DELETE FROM renewals WHERE host_id = ?`, hostID)
	return types.NewStorageError("delete renewal", err)
}
