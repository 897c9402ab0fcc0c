package prices

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedOracle wraps an Oracle with a Redis read-through cache.
// Current prices expire on a short TTL; historical prices are final
// and cached for a day.
type CachedOracle struct {
	next       Oracle
	rdb        *redis.Client
	currentTTL time.Duration
}

// NewCachedOracle creates a cached wrapper around next.
func NewCachedOracle(next Oracle, rdb *redis.Client, currentTTL time.Duration) *CachedOracle {
	return &CachedOracle{
		next:       next,
		rdb:        rdb,
		currentTTL: currentTTL,
	}
}

func (o *CachedOracle) CurrentPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	key := currentKey(currency)
	if s, err := o.rdb.Get(ctx, key).Result(); err == nil {
		if p, perr := decimal.NewFromString(s); perr == nil {
			return p, nil
		}
	}

	p, err := o.next.CurrentPrice(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	o.rdb.Set(ctx, key, p.String(), o.currentTTL)
	return p, nil
}

func (o *CachedOracle) HistoricalPrice(ctx context.Context, day time.Time, currency string) (decimal.Decimal, error) {
	key := historicalKey(day, currency)
	if s, err := o.rdb.Get(ctx, key).Result(); err == nil {
		if p, perr := decimal.NewFromString(s); perr == nil {
			return p, nil
		}
	}

	p, err := o.next.HistoricalPrice(ctx, day, currency)
	if err != nil {
		return decimal.Zero, err
	}
	o.rdb.Set(ctx, key, p.String(), 24*time.Hour)
	return p, nil
}

func currentKey(currency string) string {
	return fmt.Sprintf("price:current:%s", currency)
}

func historicalKey(day time.Time, currency string) string {
	return fmt.Sprintf("price:hist:%s:%s", day.UTC().Format("2006-01-02"), currency)
}
