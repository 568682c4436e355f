package adapters

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// Quote is one market snapshot for a product or risk context.
type Quote struct {
	Symbol     string
	Price      float64
	Volatility float64
	Currency   string
	AsOf       time.Time
}

// MarketFeed provides quotes. Implementations must be deterministic for a
// given input so resolutions are reproducible.
type MarketFeed interface {
	Quote(ctx context.Context, t source.EntityType, id source.EntityID) (Quote, bool, error)
}

// StaticFeed is a MarketFeed over a fixed quote table keyed by entity id.
type StaticFeed map[source.EntityID]Quote

func (f StaticFeed) Quote(_ context.Context, _ source.EntityType, id source.EntityID) (Quote, bool, error) {
	q, ok := f[id]
	return q, ok, nil
}

// MarketDataSource exposes a MarketFeed as a DataSource.
type MarketDataSource struct {
	*source.Base
	feed MarketFeed
}

// NewMarketDataSource wraps feed. Types default to market and product.
func NewMarketDataSource(name string, feed MarketFeed, types ...source.EntityType) *MarketDataSource {
	if len(types) == 0 {
		types = []source.EntityType{source.EntityMarket, source.EntityProduct}
	}
	return &MarketDataSource{Base: source.NewBase(name, types), feed: feed}
}

func (s *MarketDataSource) IsAvailable(context.Context) bool { return s.feed != nil && s.Healthy() }

func (s *MarketDataSource) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	q, ok, err := s.feed.Quote(ctx, t, id)
	s.Record(ctx, err)
	if err != nil {
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}
	if !ok {
		return nil, false, nil
	}
	p := source.Payload{
		"symbol":     q.Symbol,
		"price":      q.Price,
		"volatility": q.Volatility,
		"currency":   q.Currency,
	}
	if !q.AsOf.IsZero() {
		p["as_of"] = q.AsOf.UTC().Format(time.RFC3339)
	}
	return p, true, nil
}
