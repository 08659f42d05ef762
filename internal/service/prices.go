package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brokerbridge/internal/database"
)

// Quoter supplies a current price for a symbol.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type QuoterFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f QuoterFunc) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// PriceService keeps last-known prices on current snapshots from going stale
// between syncs.
type PriceService struct {
	store  database.Store
	quoter Quoter
	log    *logrus.Logger
}

func NewPriceService(store database.Store, quoter Quoter, log *logrus.Logger) *PriceService {
	return &PriceService{store: store, quoter: quoter, log: log}
}

func (p *PriceService) RefreshAll(ctx context.Context) error {
	symbols, err := p.store.HeldSymbols(ctx)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		price, err := p.quoter.Quote(ctx, sym)
		if err != nil {
			p.log.Warnf("quote %s failed: %v", sym, err)
			continue
		}
		if err := p.store.RefreshLastPrice(ctx, sym, price); err != nil {
			p.log.Warnf("refresh price for %s failed: %v", sym, err)
		}
	}
	return nil
}

func (p *PriceService) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.log.Info("price refresher stopping")
				return
			case <-ticker.C:
				if err := p.RefreshAll(ctx); err != nil {
					p.log.Warnf("price refresh failed: %v", err)
				}
			}
		}
	}()
}

// DemoQuoter jitters around a base per symbol; for demo and smoke runs only.
func DemoQuoter() Quoter {
	base := map[string]decimal.Decimal{}
	return QuoterFunc(func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		b, ok := base[symbol]
		if !ok {
			b = decimal.NewFromFloat(20 + rand.Float64()*480)
			base[symbol] = b
		}
		jitter := decimal.NewFromFloat(1 + (rand.Float64()-0.5)/50)
		return b.Mul(jitter).Round(4), nil
	})
}
