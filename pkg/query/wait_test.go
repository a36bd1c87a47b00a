package query

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/iamcore/pkg/domain"
)

type fakeCheckpoints struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{positions: map[string]domain.Position{}}
}

func (f *fakeCheckpoints) set(projectionName, instanceID string, p domain.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[projectionName+"/"+instanceID] = p
}

func (f *fakeCheckpoints) Get(ctx context.Context, projectionName, instanceID string) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[projectionName+"/"+instanceID], nil
}

func (f *fakeCheckpoints) SetInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string, p domain.Position) error {
	f.set(projectionName, instanceID, p)
	return nil
}

func (f *fakeCheckpoints) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string) error {
	return nil
}

func TestWaitForProjection(t *testing.T) {
	cps := newFakeCheckpoints()

	t.Run("zero position returns immediately", func(t *testing.T) {
		require.NoError(t, WaitForProjection(context.Background(), cps, "users", "inst-1", domain.Position{}))
	})

	t.Run("returns once the checkpoint catches up", func(t *testing.T) {
		target := domain.Position{Ordinal: 5}
		go func() {
			time.Sleep(30 * time.Millisecond)
			cps.set("users", "inst-1", target)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, WaitForProjection(ctx, cps, "users", "inst-1", target))
	})

	t.Run("checkpoint beyond the target also satisfies", func(t *testing.T) {
		cps.set("users", "inst-2", domain.Position{Ordinal: 9})
		require.NoError(t, WaitForProjection(context.Background(), cps, "users", "inst-2", domain.Position{Ordinal: 5}))
	})

	t.Run("deadline is the caller's", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := WaitForProjection(ctx, cps, "users", "inst-3", domain.Position{Ordinal: 1})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
