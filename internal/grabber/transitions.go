package grabber

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusQueued: {
		JobStatusRunning:  {},
		JobStatusCanceled: {},
	},
	JobStatusRunning: {
		JobStatusCompleted: {},
		JobStatusFailed:    {},
		JobStatusCanceled:  {},
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle DAG.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CheckTransition returns ErrInvalidTransition wrapped with the offending edge.
func CheckTransition(from, to JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return WrapError(
		CodeInvalidStatusTransition,
		"invalid status transition "+string(from)+" -> "+string(to),
		nil,
	)
}
