package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

type memoryStore struct {
	mu       sync.RWMutex
	messages map[telex.Fingerprint]*telex.Message
}

// InMemory returns an in-memory Store implementation. It honors the
// same transition contract as the bolt store but provides no
// durability; it is intended for tests and ephemeral nodes.
func InMemory() Store {
	return &memoryStore{
		messages: make(map[telex.Fingerprint]*telex.Message),
	}
}

func (s *memoryStore) Enqueue(msg *telex.Message) (bool, error) {
	if err := validate(msg); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.Fingerprint]; ok {
		return false, nil
	}

	c := cloneMessage(msg)
	if c.State == "" {
		c.State = telex.StatePending
	}
	s.messages[msg.Fingerprint] = c
	return true, nil
}

func (s *memoryStore) Get(fp telex.Fingerprint) (*telex.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[fp]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *memoryStore) NextPending(limit int) ([]*telex.Message, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	pending := make([]*telex.Message, 0, limit)
	for _, msg := range s.messages {
		if msg.State == telex.StatePending && !msg.Expired(now) {
			pending = append(pending, cloneMessage(msg))
		}
	}
	s.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *memoryStore) List(limit int) ([]*telex.Message, error) {
	s.mu.RLock()
	all := make([]*telex.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		all = append(all, cloneMessage(msg))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memoryStore) MarkInFlight(fp telex.Fingerprint, neighborID string) (*telex.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[fp]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.State == telex.StateInFlight {
		return nil, ErrAlreadyInFlight
	}
	if msg.State != telex.StatePending {
		return nil, ErrNotPending
	}

	msg.State = telex.StateInFlight
	msg.Attempt = &telex.Attempt{
		ID:         uuid.New(),
		NeighborID: neighborID,
		StartedAt:  time.Now().UTC(),
	}
	return cloneMessage(msg), nil
}

func (s *memoryStore) MarkDelivered(fp telex.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[fp]
	if !ok {
		return ErrNotFound
	}
	if msg.State != telex.StateInFlight {
		return ErrNotInFlight
	}

	msg.State = telex.StateDelivered
	msg.Attempt = nil
	return nil
}

func (s *memoryStore) MarkRetry(fp telex.Fingerprint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[fp]
	if !ok {
		return 0, ErrNotFound
	}
	if msg.State != telex.StateInFlight {
		return 0, ErrNotInFlight
	}

	msg.State = telex.StatePending
	msg.Attempt = nil
	msg.Retries++
	return msg.Retries, nil
}

func (s *memoryStore) MarkFlooded(fp telex.Fingerprint, neighborID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[fp]
	if !ok {
		return ErrNotFound
	}
	if msg.State != telex.StateInFlight {
		return ErrNotInFlight
	}

	msg.State = telex.StatePending
	msg.Attempt = nil
	if !msg.FloodedToNeighbor(neighborID) {
		msg.FloodedTo = append(msg.FloodedTo, neighborID)
	}
	return nil
}

func (s *memoryStore) MarkDeadLetter(fp telex.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[fp]
	if !ok {
		return ErrNotFound
	}
	if msg.State.Terminal() {
		return ErrNotPending
	}

	msg.State = telex.StateDeadLettered
	msg.Attempt = nil
	return nil
}

func (s *memoryStore) SweepExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, msg := range s.messages {
		if msg.State.Terminal() || !msg.Expired(now) {
			continue
		}
		msg.State = telex.StateExpired
		msg.Attempt = nil
		count++
	}
	return count, nil
}

func (s *memoryStore) RecoverInFlight() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, msg := range s.messages {
		if msg.State != telex.StateInFlight {
			continue
		}
		msg.State = telex.StatePending
		msg.Attempt = nil
		count++
	}
	return count, nil
}

func (s *memoryStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, msg := range s.messages {
		tally(&st, msg.State)
	}
	st.Total = len(s.messages)
	return st, nil
}

func (s *memoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *memoryStore) Close() error {
	return nil
}

func tally(st *Stats, state telex.State) {
	switch state {
	case telex.StatePending:
		st.Pending++
	case telex.StateInFlight:
		st.InFlight++
	case telex.StateDelivered:
		st.Delivered++
	case telex.StateExpired:
		st.Expired++
	case telex.StateDeadLettered:
		st.DeadLettered++
	}
}
