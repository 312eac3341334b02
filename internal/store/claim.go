package store

import "fmt"

// claimOrder puts the longest expected tasks first. Tasks without an
// estimate go last, and creation order breaks ties.
const claimOrder = `avg_duration DESC NULLS LAST, seq ASC`

// claimPredicateSQL returns the filter for p. Each takes the requesting
// runner id as its single argument.
func claimPredicateSQL(p ClaimPredicate) (string, error) {
	switch p {
	case ClaimAffine:
		return `(runner_id = ? OR runner_id = '')`, nil
	case ClaimForeign:
		return `(runner_id <> '' AND runner_id <> ?)`, nil
	}
	return "", fmt.Errorf("unknown claim predicate %d", int(p))
}

// runEndedSQL matches the run of the candidate task once it has ended.
const runEndedSQL = `SELECT 1 FROM runs r WHERE r.id = tasks.run_id
	AND (r.ended_at IS NOT NULL OR r.status IN ('COMPLETED', 'ABORTED'))`

// claimSQL builds the single-statement claim for p. The candidate is
// selected and updated by the same statement, and the outer status check
// makes the update a no-op for a caller that lost the race. A run that has
// ended yields no candidate, even if it ended after the caller looked.
//
// Arguments: started_at, runner_id, runner_host, run_id, predicate runner_id.
func claimSQL(p ClaimPredicate, d dialect) (string, error) {
	pred, err := claimPredicateSQL(p)
	if err != nil {
		return "", err
	}
	return `UPDATE tasks SET status = 'STARTED', started_at = ?, runner_id = ?, runner_host = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE run_id = ? AND status = 'PENDING' AND ` + pred + `
				AND NOT EXISTS (` + runEndedSQL + `)
			ORDER BY ` + claimOrder + `
			LIMIT 1` + d.claimLock + `
		) AND status = 'PENDING'
		RETURNING ` + taskColumns, nil
}
