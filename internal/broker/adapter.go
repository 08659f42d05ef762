package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"brokerbridge/internal/ingest"
)

// AccountInfo is what an adapter can tell us about one brokerage account.
type AccountInfo struct {
	ExternalID   string
	Nickname     string
	MaskedNumber string
	AccountType  string
}

// AuthInput carries everything an adapter might need to authenticate. File
// adapters use the File* fields; OAuth adapters use the token fields on first
// connect and Credentials (vault-decrypted) on re-sync.
type AuthInput struct {
	FileContent string
	FileName    string
	Mapping     *ingest.ColumnMapping

	RequestToken string
	Verifier     string

	Credentials map[string]string
}

// Handle is an authenticated session with a broker. Secrets is what the
// orchestrator hands to the vault; it never leaves the process unencrypted.
type Handle struct {
	Kind    string
	Secrets map[string]string
}

// Adapter is the uniform per-broker contract: one implementation per broker
// kind, each independently testable.
type Adapter interface {
	Kind() string
	Authenticate(ctx context.Context, input AuthInput) (*Handle, error)
	ListAccounts(ctx context.Context, h *Handle) ([]AccountInfo, error)
	FetchPositions(ctx context.Context, h *Handle, account AccountInfo) ([]ingest.Position, error)
}

// Registry maps broker kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

func (r *Registry) Get(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, NewValidation(fmt.Sprintf("unsupported broker %q", kind), map[string]any{"supported": r.kindsLocked()})
	}
	return a, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kindsLocked()
}

func (r *Registry) kindsLocked() []string {
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
