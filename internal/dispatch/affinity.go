package dispatch

import (
	"context"
	"fmt"

	"github.com/me/tskmgr/internal/store"
	"github.com/me/tskmgr/pkg/model"
)

// AffinityResolver finds the runner that last completed an equivalent task
// for the same change-set, so that follow-up work lands where caches and
// checkouts are already warm.
type AffinityResolver struct{}

// Resolve returns the runner id of the most recent completed task with
// signature sig in changeSetID, or "" when there is none. An empty
// changeSetID never resolves: unrelated runs share no affinity.
func (AffinityResolver) Resolve(ctx context.Context, q CompletedFinder, changeSetID string, sig model.Signature) (string, error) {
	if changeSetID == "" {
		return "", nil
	}
	key, err := sig.Key()
	if err != nil {
		return "", err
	}
	tasks, err := q.FindCompleted(ctx, store.CompletedQuery{
		SignatureKey:  key,
		ChangeSetID:   changeSetID,
		RequireRunner: true,
		Limit:         1,
	})
	if err != nil {
		return "", fmt.Errorf("resolve affinity: %w", err)
	}
	if len(tasks) == 0 {
		return "", nil
	}
	return tasks[0].RunnerID, nil
}
