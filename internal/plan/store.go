package plan

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("plan not found in store")

// Store is the durable representation of plans keyed by the owning
// conversation/turn id.
type Store interface {
	SavePlan(ctx context.Context, p Plan) error
	GetPlan(ctx context.Context, planID string) (Plan, error)
	ListPlans(ctx context.Context, limit int) ([]Plan, error)
	Close() error
}
