package dispatch

import (
	"context"
	"fmt"

	"github.com/me/tskmgr/internal/store"
	"github.com/me/tskmgr/pkg/model"
)

// DefaultSampleSize is the number of recent completions an estimate averages.
const DefaultSampleSize = 25

// CompletedFinder looks up historical completed tasks.
type CompletedFinder interface {
	FindCompleted(ctx context.Context, q store.CompletedQuery) ([]*model.Task, error)
}

// Estimator predicts how long a task will run from the durations of
// recent equivalent tasks.
type Estimator struct {
	SampleSize int
}

// NewEstimator returns an Estimator averaging up to sampleSize samples.
// A non-positive sampleSize selects DefaultSampleSize.
func NewEstimator(sampleSize int) *Estimator {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Estimator{SampleSize: sampleSize}
}

// Estimate returns the mean duration in seconds of the most recent
// completed, non-cached tasks with signature sig, or nil when there are none.
// Cached completions are excluded because they did not do the work.
func (e *Estimator) Estimate(ctx context.Context, q CompletedFinder, sig model.Signature) (*float64, error) {
	key, err := sig.Key()
	if err != nil {
		return nil, err
	}
	samples, err := q.FindCompleted(ctx, store.CompletedQuery{
		SignatureKey:  key,
		ExcludeCached: true,
		Limit:         e.SampleSize,
	})
	if err != nil {
		return nil, fmt.Errorf("load duration samples: %w", err)
	}

	var sum float64
	n := 0
	for _, t := range samples {
		if t.Duration == nil {
			continue
		}
		sum += *t.Duration
		n++
	}
	if n == 0 {
		return nil, nil
	}
	mean := sum / float64(n)
	return &mean, nil
}
