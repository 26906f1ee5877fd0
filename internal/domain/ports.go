package domain

import (
	"context"
	"time"
)

// OrderGateway submits orders to an external venue. Implementations own
// connectivity, signing, and venue-specific encoding. CancelOrders withdraws
// the resting orders of a single pair; CancelAllOrders is the emergency path
// that clears everything.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrders(ctx context.Context, pair string) error
	CancelAllOrders(ctx context.Context) error
}

// MarketCache shares the latest ticks and orderbooks between the feed,
// the detector, and the risk monitors.
type MarketCache interface {
	SetTick(ctx context.Context, tick MarketTick) error
	Tick(ctx context.Context, venue, pair string) (MarketTick, error)
	SetOrderbook(ctx context.Context, book OrderbookSnapshot) error
	Orderbook(ctx context.Context, venue, pair string) (OrderbookSnapshot, error)
}

// RiskSnapshotStore persists risk state history and breach events.
type RiskSnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap RiskStateSnapshot) error
	LatestSnapshot(ctx context.Context) (RiskStateSnapshot, error)
	InsertEvent(ctx context.Context, ev RiskEvent) error
	RecentEvents(ctx context.Context, since time.Time, limit int) ([]RiskEvent, error)
	PruneSnapshots(ctx context.Context, keep time.Duration) (int64, error)
}

// SnapshotSink archives risk state outside the hot path, e.g. to object
// storage for audit.
type SnapshotSink interface {
	ArchiveState(ctx context.Context, snap RiskStateSnapshot) error
}
