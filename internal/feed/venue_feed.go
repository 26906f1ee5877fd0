package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dexquant/tradebot/internal/domain"
)

// VenueEndpoint names one venue stream and the pairs to subscribe on it.
type VenueEndpoint struct {
	Venue string
	WSURL string
	Pairs []string
}

// VenueFeed connects to every configured venue stream, subscribes to tick
// and book channels, and routes each message through the Router. Each
// client reconnects independently on disconnect.
type VenueFeed struct {
	endpoints []VenueEndpoint
	router    *Router
	logger    *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewVenueFeed creates a feed over the given endpoints.
func NewVenueFeed(endpoints []VenueEndpoint, router *Router, logger *slog.Logger) *VenueFeed {
	return &VenueFeed{
		endpoints: endpoints,
		router:    router,
		logger:    logger.With(slog.String("component", "venue_feed")),
		done:      make(chan struct{}),
	}
}

// Run connects and subscribes every venue, then blocks until ctx is
// cancelled or Close is called. Initial connection failures retry with a
// fixed delay; established connections reconnect on their own.
func (f *VenueFeed) Run(ctx context.Context) error {
	if len(f.endpoints) == 0 {
		f.logger.Info("no venue endpoints configured, exiting")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range f.endpoints {
		g.Go(func() error {
			return f.runVenue(gctx, ep)
		})
	}
	return g.Wait()
}

func (f *VenueFeed) runVenue(ctx context.Context, ep VenueEndpoint) error {
	client := NewWSClient(ep.Venue, ep.WSURL)
	defer client.Close()

	client.OnTick(func(tick domain.MarketTick) {
		f.router.HandleTick(context.Background(), tick)
	})
	client.OnBook(func(book domain.OrderbookSnapshot) {
		f.router.HandleBook(context.Background(), book)
	})

	for {
		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := client.Connect(connCtx)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("venue connect failed, retrying",
			slog.String("venue", ep.Venue),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}

	if err := client.Subscribe(ctx, []string{"tick", "book"}, ep.Pairs); err != nil {
		return err
	}
	f.logger.Info("venue subscribed",
		slog.String("venue", ep.Venue),
		slog.Int("pairs", len(ep.Pairs)),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

// Close stops the feed.
func (f *VenueFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
