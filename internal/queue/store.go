package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"medrelay/pkg/types"
)

// DefaultCapacity bounds each per-(session, participant) queue. When full the
// oldest entry is evicted, never the newest: recency is prioritized over
// completeness.
const DefaultCapacity = 100

const keyPrefix = "queue/"

// Store is the durable queue store. The in-memory map is the working copy;
// every mutation is mirrored to one Badger record per (session, participant)
// so a crash between enqueue and delivery does not lose the message. A Badger
// write failure is logged and the store degrades to memory-only for that
// operation, never surfacing a fatal error to the delivery path.
type Store struct {
	db       *badger.DB
	capacity int
	logger   zerolog.Logger

	mu     sync.Mutex
	queues map[string][]*types.QueuedMessage
	locks  map[string]*sync.Mutex
}

// Open opens (or creates) the store at dir and warms the in-memory queues
// from disk for cold-start recovery.
func Open(dir string, capacity int, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	return open(opts, capacity, logger)
}

// OpenInMemory opens a store with no disk backing. Used in tests and as the
// degraded mode when no queue directory is configured.
func OpenInMemory(capacity int, logger zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLoggingLevel(badger.ERROR)
	return open(opts, capacity, logger)
}

func open(opts badger.Options, capacity int, logger zerolog.Logger) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}

	s := &Store{
		db:       db,
		capacity: capacity,
		logger:   logger.With().Str("component", "queue").Logger(),
		queues:   make(map[string][]*types.QueuedMessage),
		locks:    make(map[string]*sync.Mutex),
	}
	if err := s.loadFromDisk(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the backing store.
func (s *Store) Close() error {
	return s.db.Close()
}

func queueKey(sessionID, participantID string) string {
	return keyPrefix + sessionID + "/" + participantID
}

// keyLock serializes all operations for one (session, participant) key, which
// orders a participant's queue writes before that participant's later reads.
func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Enqueue appends an event to the participant's pending queue, evicting the
// oldest entry when the queue is at capacity.
func (s *Store) Enqueue(sessionID, participantID string, ev *types.Event) error {
	key := queueKey(sessionID, participantID)
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	q := s.queues[key]
	q = append(q, &types.QueuedMessage{Event: ev, QueuedAt: time.Now().UTC()})
	if len(q) > s.capacity {
		q = q[len(q)-s.capacity:]
	}
	s.queues[key] = q
	s.mu.Unlock()

	s.persist(key, q)
	s.logger.Debug().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int("pending", len(q)).
		Msg("message queued for offline participant")
	return nil
}

// Drain delivers pending messages oldest-first, removing each on success. On
// the first delivery failure the failed message goes back to the front of the
// remaining queue and draining stops, so already-delivered messages are never
// reordered ahead of a failed one. Returns the number delivered.
func (s *Store) Drain(sessionID, participantID string, deliver func(*types.QueuedMessage) error) (int, error) {
	key := queueKey(sessionID, participantID)
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	q := s.queues[key]
	s.mu.Unlock()
	if len(q) == 0 {
		return 0, nil
	}

	delivered := 0
	var failed error
	for i, qm := range q {
		if err := deliver(qm); err != nil {
			remaining := q[i:]
			s.mu.Lock()
			s.queues[key] = remaining
			s.mu.Unlock()
			s.persist(key, remaining)
			failed = fmt.Errorf("delivery stopped after %d messages: %w", delivered, err)
			break
		}
		delivered++
	}

	if failed == nil {
		s.mu.Lock()
		delete(s.queues, key)
		s.mu.Unlock()
		s.remove(key)
	}
	return delivered, failed
}

// Pending returns the number of messages queued for the participant.
func (s *Store) Pending(sessionID, participantID string) int {
	key := queueKey(sessionID, participantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[key])
}

// DropSession removes every queue record owned by the session. Called when a
// session is permanently closed.
func (s *Store) DropSession(sessionID string) error {
	prefix := keyPrefix + sessionID + "/"

	s.mu.Lock()
	for key := range s.queues {
		if strings.HasPrefix(key, prefix) {
			delete(s.queues, key)
			delete(s.locks, key)
		}
	}
	s.mu.Unlock()

	if err := s.db.DropPrefix([]byte(prefix)); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to drop queue records")
		return err
	}
	return nil
}

// persist mirrors a queue to its backing record. An empty queue's record is
// removed rather than left as an empty artifact.
func (s *Store) persist(key string, q []*types.QueuedMessage) {
	if len(q) == 0 {
		s.remove(key)
		return
	}
	data, err := json.Marshal(q)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("failed to encode queue, keeping in-memory copy only")
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("queue write failed, degrading to in-memory for this cycle")
	}
}

func (s *Store) remove(key string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to remove drained queue record")
	}
}

// loadFromDisk warms the in-memory queues from the backing records after a
// process restart.
func (s *Store) loadFromDisk() error {
	loaded := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				var q []*types.QueuedMessage
				if err := json.Unmarshal(val, &q); err != nil {
					s.logger.Warn().Err(err).Str("key", key).Msg("skipping corrupt queue record")
					return nil
				}
				if len(q) > 0 {
					s.queues[key] = q
					loaded++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to recover queue records: %w", err)
	}
	if loaded > 0 {
		s.logger.Info().Int("queues", loaded).Msg("recovered pending queues from disk")
	}
	return nil
}
