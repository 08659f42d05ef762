package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store used by unit tests and available as a
// fixture wherever a real Postgres is overkill. Behavior mirrors Repo.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	accounts    map[string]*Account
	instruments map[string]*Instrument // keyed by symbol|asset_class
	snapshots   map[string][]PositionSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: map[string]*Connection{},
		accounts:    map[string]*Account{},
		instruments: map[string]*Instrument{},
		snapshots:   map[string][]PositionSnapshot{},
	}
}

var _ Store = (*MemoryStore)(nil)

func instrumentKey(symbol, assetClass string) string {
	return symbol + "|" + assetClass
}

func (m *MemoryStore) CreateConnection(ctx context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.connections[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListConnections(ctx context.Context, orgID string) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []Connection{}
	for _, c := range m.connections {
		if c.OrgID == orgID {
			res = append(res, *c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) FinishSync(ctx context.Context, id, status string, syncedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if syncedAt != nil {
		t := *syncedAt
		c.LastSyncedAt = &t
	}
	return nil
}

func (m *MemoryStore) UpdateConnectionAuth(ctx context.Context, id, encryptedAuth string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return ErrNotFound
	}
	c.EncryptedAuth = encryptedAuth
	return nil
}

func (m *MemoryStore) DeleteConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; !ok {
		return ErrNotFound
	}
	delete(m.connections, id)
	for aid, a := range m.accounts {
		if a.ConnectionID == id {
			delete(m.accounts, aid)
			delete(m.snapshots, aid)
		}
	}
	return nil
}

func (m *MemoryStore) UpsertAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.ConnectionID == a.ConnectionID && existing.ExternalID == a.ExternalID {
			existing.Nickname = a.Nickname
			existing.MaskedNumber = a.MaskedNumber
			existing.AccountType = a.AccountType
			a.ID = existing.ID
			return nil
		}
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAccounts(ctx context.Context, connectionID string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := []Account{}
	for _, a := range m.accounts {
		if a.ConnectionID == connectionID {
			res = append(res, *a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ExternalID < res[j].ExternalID })
	return res, nil
}

func (m *MemoryStore) GetOrCreateInstrument(ctx context.Context, inst *Instrument) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instrumentKey(inst.Symbol, inst.AssetClass)
	if existing, ok := m.instruments[key]; ok {
		*inst = *existing
		return false, nil
	}
	cp := *inst
	m.instruments[key] = &cp
	return true, nil
}

func (m *MemoryStore) FindInstrument(ctx context.Context, symbol, assetClass string) (*Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instruments[instrumentKey(symbol, assetClass)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *MemoryStore) ReplaceSnapshots(ctx context.Context, accountID string, snaps []PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[accountID] = append([]PositionSnapshot{}, snaps...)
	return nil
}

func (m *MemoryStore) AppendSnapshots(ctx context.Context, accountID string, snaps []PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[accountID] = append(m.snapshots[accountID], snaps...)
	return nil
}

func (m *MemoryStore) Snapshots(accountID string) []PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PositionSnapshot{}, m.snapshots[accountID]...)
}

func (m *MemoryStore) LatestSnapshots(ctx context.Context, f SnapshotFilter) ([]SnapshotRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byInstrument := map[string]Instrument{}
	for _, inst := range m.instruments {
		byInstrument[inst.ID] = *inst
	}

	latest := map[string]SnapshotRow{} // account|instrument -> newest row
	for accountID, snaps := range m.snapshots {
		acct, ok := m.accounts[accountID]
		if !ok {
			continue
		}
		conn, ok := m.connections[acct.ConnectionID]
		if !ok || conn.OrgID != f.OrgID {
			continue
		}
		if f.Broker != "" && conn.Broker != f.Broker {
			continue
		}
		if f.AccountID != "" && accountID != f.AccountID {
			continue
		}
		for _, s := range snaps {
			if f.AsOf != nil && s.AsOf.After(*f.AsOf) {
				continue
			}
			inst, ok := byInstrument[s.InstrumentID]
			if !ok {
				continue
			}
			if f.AssetClass != "" && inst.AssetClass != f.AssetClass {
				continue
			}
			if f.OptionsOnly && inst.AssetClass != "OPTION" {
				continue
			}
			if f.Symbol != "" && inst.Symbol != f.Symbol &&
				(inst.Underlying == nil || *inst.Underlying != f.Symbol) {
				continue
			}
			key := accountID + "|" + s.InstrumentID
			if prev, ok := latest[key]; ok && !s.AsOf.After(prev.AsOf) {
				continue
			}
			latest[key] = SnapshotRow{
				PositionSnapshot: s,
				Symbol:           inst.Symbol,
				AssetClass:       inst.AssetClass,
				Underlying:       inst.Underlying,
				Strike:           inst.Strike,
				Expiration:       inst.Expiration,
				OptionRight:      inst.OptionRight,
				Nickname:         acct.Nickname,
				Broker:           conn.Broker,
				OrgID:            conn.OrgID,
			}
		}
	}

	res := make([]SnapshotRow, 0, len(latest))
	for _, row := range latest {
		res = append(res, row)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Symbol != res[j].Symbol {
			return res[i].Symbol < res[j].Symbol
		}
		return res[i].AccountID < res[j].AccountID
	})
	return res, nil
}

func (m *MemoryStore) HeldSymbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	held := map[string]bool{}
	for _, snaps := range m.snapshots {
		for _, s := range snaps {
			for _, inst := range m.instruments {
				if inst.ID == s.InstrumentID && (inst.AssetClass == "EQUITY" || inst.AssetClass == "ETF") {
					held[inst.Symbol] = true
				}
			}
		}
	}
	res := make([]string, 0, len(held))
	for s := range held {
		res = append(res, s)
	}
	sort.Strings(res)
	return res, nil
}

func (m *MemoryStore) RefreshLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := map[string]bool{}
	for _, inst := range m.instruments {
		if inst.Symbol == symbol {
			ids[inst.ID] = true
		}
	}
	for accountID, snaps := range m.snapshots {
		for i, s := range snaps {
			if ids[s.InstrumentID] {
				snaps[i].LastPrice = price
				snaps[i].MarketValue = s.Quantity.Mul(price)
			}
		}
		m.snapshots[accountID] = snaps
	}
	return nil
}
