package assets

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alass1205/financial-platform-sub000/internal/storage"
)

type AssetStore interface {
	ListAssets(ctx context.Context) ([]storage.Asset, error)
}

// Registry is the in-memory view of the tradable asset list. Admission
// validation reads it on every order, so lookups stay off the database.
type Registry struct {
	mu          sync.RWMutex
	assets      map[string]storage.Asset
	lastRefresh time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		assets: make(map[string]storage.Asset),
	}
}

func (r *Registry) Load(ctx context.Context, store AssetStore) error {
	assets, err := store.ListAssets(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.assets = make(map[string]storage.Asset, len(assets))
	for _, asset := range assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			continue
		}
		asset.Symbol = symbol
		r.assets[symbol] = asset
	}
	r.lastRefresh = time.Now().UTC()
	return nil
}

func (r *Registry) Refresh(ctx context.Context, store AssetStore) error {
	return r.Load(ctx, store)
}

func (r *Registry) Get(symbol string) (*storage.Asset, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, ok := r.assets[key]
	if !ok {
		return nil, false
	}
	copy := asset
	return &copy, true
}

// Tradable reports whether orders may be placed against the symbol. The
// quote currency itself is listed for balance display but never traded.
func (r *Registry) Tradable(symbol string) bool {
	asset, ok := r.Get(symbol)
	if !ok {
		return false
	}
	return asset.Symbol != storage.QuoteAsset
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
