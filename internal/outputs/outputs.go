// Package outputs journals the last commanded state of every output pin.
//
// The journal survives restarts so the panel can show, and replay to a
// reconnecting controller, what the operator asked for last. Records carry a
// timestamp; a record older than the one stored is ignored.
package outputs

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ham-lab-isu/K2craft/internal/logging"
)

var log = logging.Disabled()

// UseLogger sets the logger used by the package.
func UseLogger(logger *slog.Logger) {
	log = logger
}

// FileName is the database file created inside the data directory.
const FileName = "outputs.db"

var bucketPins = []byte("pins")

// ErrNotFound is returned by Lookup for a pin that was never recorded.
var ErrNotFound = errors.New("outputs: pin not recorded")

// PinState is the last commanded value of one output pin.
type PinState struct {
	Channel   int       `json:"channel"`
	Pin       int       `json:"pin"`
	Value     bool      `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"` // console, panel, latch, ...
}

// Store is a persistent pin journal backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the journal in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("outputs: create data directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("outputs: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPins)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outputs: init %s: %w", path, err)
	}
	log.Debug("outputs: journal opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores st unless the journal already holds a record for the same
// pin that is at least as new. It reports whether st was stored.
func (s *Store) Record(st PinState) (bool, error) {
	if st.Channel <= 0 || st.Pin <= 0 {
		return false, fmt.Errorf("outputs: invalid pin %d:%d", st.Channel, st.Pin)
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}
	stored := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPins)
		key := pinKey(st.Channel, st.Pin)

		if existing := bkt.Get(key); existing != nil {
			var old PinState
			if json.Unmarshal(existing, &old) == nil && !st.Timestamp.After(old.Timestamp) {
				return nil
			}
		}

		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		stored = true
		return bkt.Put(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("outputs: record %d:%d: %w", st.Channel, st.Pin, err)
	}
	return stored, nil
}

// Lookup returns the recorded state of channel:pin.
func (s *Store) Lookup(channel, pin int) (PinState, error) {
	var st PinState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPins).Get(pinKey(channel, pin))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &st)
	})
	return st, err
}

// All returns every recorded pin ordered by channel then pin.
func (s *Store) All() ([]PinState, error) {
	var out []PinState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).ForEach(func(k, v []byte) error {
			var st PinState
			if err := json.Unmarshal(v, &st); err != nil {
				log.Warn("outputs: skipping corrupt record", "key", fmt.Sprintf("%x", k), "err", err)
				return nil
			}
			out = append(out, st)
			return nil
		})
	})
	return out, err
}

// pinKey sorts by channel, then pin, under bbolt's byte ordering.
func pinKey(channel, pin int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[:4], uint32(channel))
	binary.BigEndian.PutUint32(k[4:], uint32(pin))
	return k
}
