package store

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"go.etcd.io/bbolt"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

var boltDBBucket = []byte("messages")

var log = logging.MustGetLogger("store")

// boltStore implements Store on top of BoltDB. Every mutation runs
// inside a single db.Update transaction, so a state change is
// persisted before it is acknowledged to the caller; the dedup and
// at-most-one-in-flight invariants survive a crash.
type boltStore struct {
	db *bbolt.DB
}

// BoltDB opens (or creates) a bolt-backed Store at path.
func BoltDB(path string) (Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open message store")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltDBBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "create messages bucket")
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Enqueue(msg *telex.Message) (bool, error) {
	if err := validate(msg); err != nil {
		return false, err
	}

	inserted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)
		if b.Get(msg.Fingerprint[:]) != nil {
			return nil
		}

		c := cloneMessage(msg)
		if c.State == "" {
			c.State = telex.StatePending
		}
		inserted = true
		return putMessage(b, c)
	})
	return inserted, err
}

func (s *boltStore) Get(fp telex.Fingerprint) (*telex.Message, error) {
	var msg *telex.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx.Bucket(boltDBBucket), fp)
		return err
	})
	return msg, err
}

func (s *boltStore) NextPending(limit int) ([]*telex.Message, error) {
	now := time.Now().UTC()

	var pending []*telex.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltDBBucket).ForEach(func(k, v []byte) error {
			msg := new(telex.Message)
			if err := json.Unmarshal(v, msg); err != nil {
				log.Warnf("Skipping undecodable message record %x: %v", k, err)
				return nil
			}
			if msg.State == telex.StatePending && !msg.Expired(now) {
				pending = append(pending, msg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *boltStore) List(limit int) ([]*telex.Message, error) {
	var all []*telex.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltDBBucket).ForEach(func(k, v []byte) error {
			msg := new(telex.Message)
			if err := json.Unmarshal(v, msg); err != nil {
				log.Warnf("Skipping undecodable message record %x: %v", k, err)
				return nil
			}
			all = append(all, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *boltStore) MarkInFlight(fp telex.Fingerprint, neighborID string) (*telex.Message, error) {
	var out *telex.Message
	err := s.update(fp, func(msg *telex.Message) error {
		if msg.State == telex.StateInFlight {
			return ErrAlreadyInFlight
		}
		if msg.State != telex.StatePending {
			return ErrNotPending
		}

		msg.State = telex.StateInFlight
		msg.Attempt = &telex.Attempt{
			ID:         uuid.New(),
			NeighborID: neighborID,
			StartedAt:  time.Now().UTC(),
		}
		out = cloneMessage(msg)
		return nil
	})
	return out, err
}

func (s *boltStore) MarkDelivered(fp telex.Fingerprint) error {
	return s.update(fp, func(msg *telex.Message) error {
		if msg.State != telex.StateInFlight {
			return ErrNotInFlight
		}
		msg.State = telex.StateDelivered
		msg.Attempt = nil
		return nil
	})
}

func (s *boltStore) MarkRetry(fp telex.Fingerprint) (int, error) {
	retries := 0
	err := s.update(fp, func(msg *telex.Message) error {
		if msg.State != telex.StateInFlight {
			return ErrNotInFlight
		}
		msg.State = telex.StatePending
		msg.Attempt = nil
		msg.Retries++
		retries = msg.Retries
		return nil
	})
	return retries, err
}

func (s *boltStore) MarkFlooded(fp telex.Fingerprint, neighborID string) error {
	return s.update(fp, func(msg *telex.Message) error {
		if msg.State != telex.StateInFlight {
			return ErrNotInFlight
		}
		msg.State = telex.StatePending
		msg.Attempt = nil
		if !msg.FloodedToNeighbor(neighborID) {
			msg.FloodedTo = append(msg.FloodedTo, neighborID)
		}
		return nil
	})
}

func (s *boltStore) MarkDeadLetter(fp telex.Fingerprint) error {
	return s.update(fp, func(msg *telex.Message) error {
		if msg.State.Terminal() {
			return ErrNotPending
		}
		msg.State = telex.StateDeadLettered
		msg.Attempt = nil
		return nil
	})
}

func (s *boltStore) SweepExpired(now time.Time) (int, error) {
	return s.updateEach(func(msg *telex.Message) bool {
		if msg.State.Terminal() || !msg.Expired(now) {
			return false
		}
		msg.State = telex.StateExpired
		msg.Attempt = nil
		return true
	})
}

func (s *boltStore) RecoverInFlight() (int, error) {
	return s.updateEach(func(msg *telex.Message) bool {
		if msg.State != telex.StateInFlight {
			return false
		}
		msg.State = telex.StatePending
		msg.Attempt = nil
		return true
	})
}

func (s *boltStore) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltDBBucket).ForEach(func(k, v []byte) error {
			msg := new(telex.Message)
			if err := json.Unmarshal(v, msg); err != nil {
				return nil
			}
			tally(&st, msg.State)
			st.Total++
			return nil
		})
	})
	return st, err
}

func (s *boltStore) Count() (count int) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltDBBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0
	}
	return count
}

func (s *boltStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// update applies fn to a single message inside one write transaction.
func (s *boltStore) update(fp telex.Fingerprint, fn func(*telex.Message) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)
		msg, err := getMessage(b, fp)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
		return putMessage(b, msg)
	})
}

// updateEach applies fn to every message inside one write transaction,
// rewriting the records fn reports as changed.
func (s *boltStore) updateEach(fn func(*telex.Message) bool) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)

		var changed []*telex.Message
		err := b.ForEach(func(k, v []byte) error {
			msg := new(telex.Message)
			if err := json.Unmarshal(v, msg); err != nil {
				log.Warnf("Skipping undecodable message record %x: %v", k, err)
				return nil
			}
			if fn(msg) {
				changed = append(changed, msg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, msg := range changed {
			if err := putMessage(b, msg); err != nil {
				return err
			}
		}
		count = len(changed)
		return nil
	})
	return count, err
}

func getMessage(b *bbolt.Bucket, fp telex.Fingerprint) (*telex.Message, error) {
	raw := b.Get(fp[:])
	if raw == nil {
		return nil, ErrNotFound
	}

	msg := new(telex.Message)
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, errors.Wrap(err, "decode message record")
	}
	if !bytes.Equal(msg.Fingerprint[:], fp[:]) {
		return nil, errors.New("message record fingerprint mismatch")
	}
	return msg, nil
}

func putMessage(b *bbolt.Bucket, msg *telex.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message record")
	}
	return b.Put(msg.Fingerprint[:], raw)
}
