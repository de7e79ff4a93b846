package monitor

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	// ErrSpoolClosed is returned when operating on a closed spool.
	ErrSpoolClosed = errors.New("monitor: spool is closed")
	// ErrSpoolFull is returned when the spool holds MaxEntries requests.
	ErrSpoolFull = errors.New("monitor: spool is full")
)

var spoolPrefix = []byte("req:")

// Spool persists undeliverable requests on disk so they can be replayed
// later. Keys are monotonic ULIDs, so iteration order is insertion order.
type Spool struct {
	db         *badger.DB
	logger     *zap.Logger
	maxEntries int
	count      atomic.Int64

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu     sync.RWMutex
	closed bool
}

// OpenSpool opens or creates the spool in cfg.Dir.
func OpenSpool(cfg *SpoolConfig, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", cfg.Dir, err)
	}

	s := &Spool{
		db:         db,
		logger:     logger,
		maxEntries: cfg.MaxEntries,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}

	n, err := s.countKeys()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.count.Store(int64(n))

	return s, nil
}

func (s *Spool) countKeys() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = spoolPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Spool) newKey() []byte {
	s.idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
	s.idMu.Unlock()
	return append(append([]byte{}, spoolPrefix...), id.String()...)
}

// Put stores req. It implements DeadLetter.
func (s *Spool) Put(req *Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSpoolClosed
	}

	if s.maxEntries > 0 && s.count.Load() >= int64(s.maxEntries) {
		return ErrSpoolFull
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.newKey(), data)
	}); err != nil {
		return fmt.Errorf("failed to spool event %s: %w", req.EventID, err)
	}

	s.count.Add(1)
	return nil
}

// Len returns the number of spooled requests.
func (s *Spool) Len() int {
	return int(s.count.Load())
}

// Replay calls fn for up to limit spooled requests, oldest first, deleting
// each one fn accepts. It stops at the first error from fn and returns the
// number of requests removed. limit <= 0 means no limit.
func (s *Spool) Replay(limit int, fn func(*Request) error) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrSpoolClosed
	}

	type entry struct {
		key []byte
		req *Request
	}
	var entries []entry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = spoolPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			item := it.Item()
			req := &Request{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, req)
			}); err != nil {
				s.logger.Warn("Dropping unreadable spool entry",
					zap.ByteString("key", item.Key()),
					zap.Error(err))
				req = nil
			}
			entries = append(entries, entry{key: item.KeyCopy(nil), req: req})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	var fnErr error
	for _, e := range entries {
		if e.req != nil {
			if fnErr = fn(e.req); fnErr != nil {
				break
			}
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(e.key)
		}); err != nil {
			return removed, err
		}
		s.count.Add(-1)
		removed++
	}

	return removed, fnErr
}

// Close closes the spool.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSpoolClosed
	}
	s.closed = true
	return s.db.Close()
}
