package localstore

import "sync"

// MemoryStore is a mutex-guarded, in-process Store used by tests and by
// demos that don't want an embedded database dependency.
type MemoryStore struct {
	mu          sync.Mutex
	shares      map[string]map[string]uint32 // compID -> contributorID -> share
	responses   map[string]Response
	partialSums map[string]PartialSum
	actions     map[string][]Action
}

// NewMemoryStore creates an empty in-memory per-node store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shares:      make(map[string]map[string]uint32),
		responses:   make(map[string]Response),
		partialSums: make(map[string]PartialSum),
		actions:     make(map[string][]Action),
	}
}

func (s *MemoryStore) PutShare(compID, contributorID string, share uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byContributor, ok := s.shares[compID]
	if !ok {
		byContributor = make(map[string]uint32)
		s.shares[compID] = byContributor
	}
	if _, exists := byContributor[contributorID]; exists {
		return ErrDuplicateShare
	}
	byContributor[contributorID] = share
	return nil
}

func (s *MemoryStore) GetShare(compID, contributorID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byContributor, ok := s.shares[compID]
	if !ok {
		return 0, ErrNotFound
	}
	v, ok := byContributor[contributorID]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ListShares(compID string) (map[string]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint32)
	for k, v := range s.shares[compID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) PutResponse(compID string, r Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[compID] = r
	return nil
}

func (s *MemoryStore) GetResponse(compID string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.responses[compID]
	if !ok {
		return Response{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) PutPartialSum(compID string, ps PartialSum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialSums[compID] = ps
	return nil
}

func (s *MemoryStore) GetPartialSum(compID string) (PartialSum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.partialSums[compID]
	if !ok {
		return PartialSum{}, ErrNotFound
	}
	return ps, nil
}

func (s *MemoryStore) AppendAction(a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.CompID] = append(s.actions[a.CompID], a)
	return nil
}

func (s *MemoryStore) ListActions(compID string) ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Action, len(s.actions[compID]))
	copy(out, s.actions[compID])
	return out, nil
}

func (s *MemoryStore) DeleteComputation(compID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.shares, compID)
	delete(s.responses, compID)
	delete(s.partialSums, compID)
	delete(s.actions, compID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
