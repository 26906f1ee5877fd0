package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dexquant/tradebot/internal/arbitrage"
	"github.com/dexquant/tradebot/internal/domain"
)

// TickObserver receives every trade tick, e.g. the risk manager's rolling
// price history.
type TickObserver interface {
	ObserveTick(tick domain.MarketTick)
}

// QuoteSink receives the combined venue-by-pair market view after each
// update. The return reports whether the refresh met the staleness budget.
type QuoteSink interface {
	UpdateMarketData(quotes []arbitrage.VenueQuote) bool
}

// Router fans venue stream events out to the engine: ticks go to the risk
// observer, the cache, and the series tracker; books go to the cache; both
// rebuild the detector's quote matrix. Safe for concurrent use.
type Router struct {
	observer TickObserver
	sink     QuoteSink
	cache    domain.MarketCache
	tracker  *SeriesTracker
	logger   *slog.Logger

	mu    sync.Mutex
	ticks map[string]map[string]domain.MarketTick // pair -> venue -> tick
	books map[string]map[string]domain.OrderbookSnapshot
}

// NewRouter creates a Router. The observer, sink, cache, and tracker are
// each optional; a nil dependency disables that fan-out.
func NewRouter(observer TickObserver, sink QuoteSink, cache domain.MarketCache, tracker *SeriesTracker, logger *slog.Logger) *Router {
	return &Router{
		observer: observer,
		sink:     sink,
		cache:    cache,
		tracker:  tracker,
		logger:   logger.With(slog.String("component", "feed_router")),
		ticks:    make(map[string]map[string]domain.MarketTick),
		books:    make(map[string]map[string]domain.OrderbookSnapshot),
	}
}

// HandleTick processes one trade tick. Cache write failures are logged and
// do not block the in-process fan-out.
func (r *Router) HandleTick(ctx context.Context, tick domain.MarketTick) {
	if r.cache != nil {
		if err := r.cache.SetTick(ctx, tick); err != nil {
			r.logger.Warn("cache tick failed",
				slog.String("venue", tick.Venue),
				slog.String("pair", tick.Pair),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.observer != nil {
		r.observer.ObserveTick(tick)
	}
	if r.tracker != nil {
		r.tracker.Observe(tick)
	}

	r.mu.Lock()
	byVenue, ok := r.ticks[tick.Pair]
	if !ok {
		byVenue = make(map[string]domain.MarketTick)
		r.ticks[tick.Pair] = byVenue
	}
	byVenue[tick.Venue] = tick
	quotes := r.quotesLocked()
	r.mu.Unlock()

	r.push(quotes)
}

// HandleBook processes one orderbook snapshot.
func (r *Router) HandleBook(ctx context.Context, book domain.OrderbookSnapshot) {
	if r.cache != nil {
		if err := r.cache.SetOrderbook(ctx, book); err != nil {
			r.logger.Warn("cache orderbook failed",
				slog.String("venue", book.Venue),
				slog.String("pair", book.Pair),
				slog.String("error", err.Error()),
			)
		}
	}

	r.mu.Lock()
	byVenue, ok := r.books[book.Pair]
	if !ok {
		byVenue = make(map[string]domain.OrderbookSnapshot)
		r.books[book.Pair] = byVenue
	}
	byVenue[book.Venue] = book
	quotes := r.quotesLocked()
	r.mu.Unlock()

	r.push(quotes)
}

// quotesLocked assembles the full venue-by-pair view from the stored state.
// A quote is emitted only once both a tick and a book have arrived for the
// venue/pair. Caller must hold r.mu.
func (r *Router) quotesLocked() []arbitrage.VenueQuote {
	var quotes []arbitrage.VenueQuote
	for pair, byVenue := range r.ticks {
		bookByVenue := r.books[pair]
		for venue, tick := range byVenue {
			book, ok := bookByVenue[venue]
			if !ok {
				continue
			}
			ts := tick.Timestamp
			if book.Timestamp.After(ts) {
				ts = book.Timestamp
			}
			quotes = append(quotes, arbitrage.VenueQuote{
				Venue:     venue,
				Pair:      pair,
				Price:     tick.Price,
				Book:      book,
				Timestamp: ts,
			})
		}
	}
	return quotes
}

func (r *Router) push(quotes []arbitrage.VenueQuote) {
	if r.sink == nil || len(quotes) == 0 {
		return
	}
	if fresh := r.sink.UpdateMarketData(quotes); !fresh {
		r.logger.Debug("market view refresh stale", slog.Int("quotes", len(quotes)))
	}
}
