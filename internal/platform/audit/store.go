package audit

import (
	"context"
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: genesisHash}
}

func (s *InMemoryStore) Append(_ context.Context, e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		tail := s.events[len(s.events)-1]
		if ComputeHash(tail.HashPrev, tail) != tail.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	e = normalize(e)
	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)
	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByObject returns the events recorded against one object, oldest first.
func (s *InMemoryStore) ByObject(objectType, objectID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.ObjectType == objectType && e.ObjectID == objectID {
			out = append(out, e)
		}
	}
	return out
}
