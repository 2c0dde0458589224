package txscope

import (
	"context"

	"github.com/google/uuid"
)

// PromotionRequest describes a logical transaction that is about to span
// more than one physical connection.
type PromotionRequest struct {
	BoundaryID uuid.UUID
	Endpoint   string
	// Enlisted is the number of connections already enlisted.
	Enlisted int
}

// Coordinator decides whether a logical transaction may enlist an additional
// physical connection. Accepting a promotion means the enlisted connections
// are committed one after another in enlistment order.
type Coordinator interface {
	Promote(ctx context.Context, req PromotionRequest) error
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(ctx context.Context, req PromotionRequest) error

func (f CoordinatorFunc) Promote(ctx context.Context, req PromotionRequest) error {
	return f(ctx, req)
}

type unavailableCoordinator struct {
	endpoint string
}

// NewUnavailableCoordinator returns the default coordinator, which refuses
// every promotion with a TransactionCoordinationError naming endpoint.
func NewUnavailableCoordinator(endpoint string) Coordinator {
	return unavailableCoordinator{endpoint: endpoint}
}

func (c unavailableCoordinator) Promote(_ context.Context, req PromotionRequest) error {
	endpoint := c.endpoint
	if endpoint == "" {
		endpoint = req.Endpoint
	}
	return &TransactionCoordinationError{
		Endpoint:   endpoint,
		BoundaryID: req.BoundaryID,
		Enlisted:   req.Enlisted,
	}
}
