package domain

import "context"

// Deliverer is the single entry point producers use to push events to live
// connections. Delivery is best-effort and never fails the caller.
type Deliverer interface {
	Deliver(ctx context.Context, event Event)
}
