package venue

import (
	"context"
	"fmt"
	"strings"

	"github.com/dexquant/tradebot/internal/domain"
)

// Router dispatches orders to per-venue gateways based on the request's
// Venue field. Requests without a venue go to the default gateway.
// It implements domain.OrderGateway.
type Router struct {
	gateways     map[string]domain.OrderGateway
	defaultVenue string
}

// NewRouter creates a Router over the given gateways. The first gateway
// becomes the default route for requests that omit a venue.
func NewRouter(gateways []*Gateway) *Router {
	r := &Router{gateways: make(map[string]domain.OrderGateway, len(gateways))}
	for _, gw := range gateways {
		if r.defaultVenue == "" {
			r.defaultVenue = gw.Venue()
		}
		r.gateways[gw.Venue()] = gw
	}
	return r
}

// PlaceOrder routes the order to the gateway for req.Venue.
func (r *Router) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	name := req.Venue
	if name == "" {
		name = r.defaultVenue
	}
	gw, ok := r.gateways[name]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("venue: no gateway for %q: %w", name, domain.ErrNotFound)
	}
	return gw.PlaceOrder(ctx, req)
}

// CancelOrders cancels one pair's resting orders on every venue, since a
// pair's grid and arbitrage legs may rest on several venues at once.
// Failures are collected so one unreachable venue does not leave the rest
// uncancelled.
func (r *Router) CancelOrders(ctx context.Context, pair string) error {
	var errs []string
	for name, gw := range r.gateways {
		if err := gw.CancelOrders(ctx, pair); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("venue: cancel %s failed on %d venue(s): %s", pair, len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// CancelAllOrders cancels open orders on every venue. Failures are collected
// so one unreachable venue does not leave the rest uncancelled.
func (r *Router) CancelAllOrders(ctx context.Context) error {
	var errs []string
	for name, gw := range r.gateways {
		if err := gw.CancelAllOrders(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("venue: cancel-all failed on %d venue(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Compile-time interface check.
var _ domain.OrderGateway = (*Router)(nil)
