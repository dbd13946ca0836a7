package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

type InMemoryStore struct {
	mu         sync.RWMutex
	keys       map[string]*domain.APIKey
	usage      map[string][]domain.UsageRecord
	aggregates map[string]*domain.UsageAggregate
	mappings   map[string]string
	now        func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys:       make(map[string]*domain.APIKey),
		usage:      make(map[string][]domain.UsageRecord),
		aggregates: make(map[string]*domain.UsageAggregate),
		mappings:   make(map[string]string),
		now:        time.Now,
	}
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *InMemoryStore) GetAPIKey(ctx context.Context, key string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[key]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *InMemoryStore) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[k.Key]; ok {
		return domain.ErrAPIKeyExists
	}
	cp := *k
	s.keys[k.Key] = &cp
	return nil
}

func (s *InMemoryStore) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*domain.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		keys = append(keys, &cp)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *InMemoryStore) UpdateRateLimit(ctx context.Context, key string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	k.RateLimit = limit
	k.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) UpdateBudgetUsage(ctx context.Context, key string, lifetime, mtd decimal.Decimal, month string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	k.BudgetUsed = lifetime
	k.BudgetUsedMTD = mtd
	k.BudgetMonth = month
	k.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) Deactivate(ctx context.Context, key string, reason domain.DeactivationReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.ErrAPIKeyNotFound
	}
	if !k.IsActive {
		return domain.ErrAlreadyInactive
	}
	k.IsActive = false
	k.DeactivatedReason = reason
	k.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) PutUsage(ctx context.Context, r domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.usage[r.APIKey]
	sk := r.SortKey()
	i := sort.Search(len(records), func(i int) bool {
		return records[i].SortKey() >= sk
	})
	if i < len(records) && records[i].SortKey() == sk {
		records[i] = r
		return nil
	}
	records = append(records, domain.UsageRecord{})
	copy(records[i+1:], records[i:])
	records[i] = r
	s.usage[r.APIKey] = records
	return nil
}

func (s *InMemoryStore) QueryUsage(ctx context.Context, key, after string, limit int) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.usage[key]
	i := sort.Search(len(records), func(i int) bool {
		return records[i].SortKey() > after
	})
	end := len(records)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	out := make([]domain.UsageRecord, end-i)
	copy(out, records[i:end])
	return out, nil
}

func (s *InMemoryStore) GetAggregate(ctx context.Context, key string) (*domain.UsageAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[key]
	if !ok {
		return nil, domain.ErrAggregateNotFound
	}
	cp := *agg
	return &cp, nil
}

func (s *InMemoryStore) SaveAggregate(ctx context.Context, agg *domain.UsageAggregate, prevWatermark int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.aggregates[agg.APIKey]; ok {
		current = existing.LastAggregatedAt
	}
	if current != prevWatermark {
		return domain.ErrConcurrentUpdate
	}
	cp := *agg
	s.aggregates[agg.APIKey] = &cp
	return nil
}

func (s *InMemoryStore) GetModelMapping(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.mappings[name]
	if !ok {
		return "", domain.ErrModelMappingAbsent
	}
	return id, nil
}

func (s *InMemoryStore) PutModelMapping(ctx context.Context, name, backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mappings[name] = backendID
	return nil
}
