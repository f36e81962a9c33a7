package settlement

import (
	"HedgeLedger/internal/errs"
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists settlement records. Append assigns the next per-user index
// atomically and returns the stored record.
type Store interface {
	Append(ctx context.Context, r Record) (Record, error)
	Count(ctx context.Context, user common.Address) (uint64, error)
	Get(ctx context.Context, user common.Address, index uint64) (Record, error)
	List(ctx context.Context, user common.Address) ([]Record, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[common.Address][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Address][]Record)}
}

func (m *MemoryStore) Append(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.Index = uint64(len(m.records[r.User]))
	m.records[r.User] = append(m.records[r.User], r)
	return r, nil
}

func (m *MemoryStore) Count(_ context.Context, user common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records[user])), nil
}

func (m *MemoryStore) Get(_ context.Context, user common.Address, index uint64) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.records[user]
	if index >= uint64(len(list)) {
		return Record{}, errs.New(errs.KindNotFound, "settlement.Get",
			"no settlement %d for %s (count %d)", index, user.Hex(), len(list))
	}
	return list[index], nil
}

func (m *MemoryStore) List(_ context.Context, user common.Address) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, len(m.records[user]))
	copy(out, m.records[user])
	return out, nil
}
