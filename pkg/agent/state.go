package agent

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var stateBucket = []byte("agent_state")

var (
	keyConfig        = []byte("config_json")
	keyConfigVersion = []byte("config_version")
	keyNetRx         = []byte("net_rx_cumulative")
	keyNetTx         = []byte("net_tx_cumulative")
)

// State is the agent's durable local store: the last applied config and
// the network counter baseline, so a restart neither loses the pushed
// config nor double-counts traffic deltas.
type State struct {
	db *bolt.DB
}

// OpenState opens (or creates) the state file.
func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open agent state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &State{db: db}, nil
}

// Close releases the state file.
func (s *State) Close() error { return s.db.Close() }

// SaveConfig stores the applied config JSON and its version id.
func (s *State) SaveConfig(versionID string, raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if err := b.Put(keyConfig, raw); err != nil {
			return err
		}
		return b.Put(keyConfigVersion, []byte(versionID))
	})
}

// LoadConfig returns the stored config JSON and version, or nil when the
// agent has never received one.
func (s *State) LoadConfig() (versionID string, raw []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if v := b.Get(keyConfig); v != nil {
			raw = append([]byte(nil), v...)
		}
		if v := b.Get(keyConfigVersion); v != nil {
			versionID = string(v)
		}
		return nil
	})
	return versionID, raw, err
}

// SaveNetBaseline records the last observed cumulative counters.
func (s *State) SaveNetBaseline(rx, tx uint64) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(stateBucket)
		if err := b.Put(keyNetRx, encodeUint64(rx)); err != nil {
			return err
		}
		return b.Put(keyNetTx, encodeUint64(tx))
	})
}

// LoadNetBaseline returns the stored counters. ok is false when no
// baseline has been recorded yet.
func (s *State) LoadNetBaseline() (rx, tx uint64, ok bool, err error) {
	err = s.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(stateBucket)
		rv, tv := b.Get(keyNetRx), b.Get(keyNetTx)
		if rv == nil || tv == nil {
			return nil
		}
		rx, tx = decodeUint64(rv), decodeUint64(tv)
		ok = true
		return nil
	})
	return rx, tx, ok, err
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
