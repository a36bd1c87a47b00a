package query

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/projection"
)

// WaitForProjection blocks until the projection's checkpoint for the
// instance reaches at least p, typically the position returned by a
// command. The deadline comes from ctx; use context.WithTimeout at the
// call site. Exceeding it returns the context error so callers can fall
// back to stale reads if they choose.
func WaitForProjection(
	ctx context.Context,
	checkpoints projection.CheckpointStore,
	projectionName, instanceID string,
	p domain.Position,
) error {
	if p.IsZero() {
		return nil
	}

	const pollInterval = 20 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		current, err := checkpoints.Get(ctx, projectionName, instanceID)
		if err != nil {
			return fmt.Errorf("read checkpoint of %s: %w", projectionName, err)
		}
		if current.Compare(p) >= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("projection %s did not reach %s: %w", projectionName, p, ctx.Err())
		case <-ticker.C:
		}
	}
}
