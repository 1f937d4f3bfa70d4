package jobstate

// Job statuses. A job enters the pipeline at queued and leaves it at one of
// the four terminal states.
const (
	StatusQueued          = "queued"
	StatusClaimed         = "claimed"
	StatusRunning         = "running"
	StatusUploading       = "uploading"
	StatusFinalizing      = "finalizing"
	StatusSucceeded       = "succeeded"
	StatusFailedRetryable = "failed_retryable"
	StatusFailedTerminal  = "failed_terminal"
	StatusCanceled        = "canceled"
	StatusTimedOut        = "timed_out"
)

// transitions is the closed set of legal (from, to) pairs. Terminal states
// have no outgoing edges, so a late or duplicate worker message can never
// resurrect a finished job.
var transitions = map[string][]string{
	StatusQueued:          {StatusClaimed, StatusCanceled, StatusTimedOut},
	StatusClaimed:         {StatusRunning, StatusFailedRetryable, StatusCanceled, StatusTimedOut},
	StatusRunning:         {StatusUploading, StatusFinalizing, StatusFailedRetryable, StatusFailedTerminal, StatusCanceled, StatusTimedOut},
	StatusUploading:       {StatusFinalizing, StatusFailedRetryable, StatusTimedOut},
	StatusFinalizing:      {StatusSucceeded, StatusFailedRetryable, StatusFailedTerminal},
	StatusFailedRetryable: {StatusQueued, StatusFailedTerminal},
	StatusSucceeded:       {},
	StatusFailedTerminal:  {},
	StatusCanceled:        {},
	StatusTimedOut:        {},
}

// IsValidTransition reports whether from -> to is in the transition table.
// It is consulted before every status write; the retry gate on
// failed_retryable -> queued is enforced separately by the service because
// it depends on the job's retry counters.
func IsValidTransition(from, to string) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func IsTerminal(status string) bool {
	next, ok := transitions[status]
	return ok && len(next) == 0
}

// IsKnown reports whether status is one of the defined states.
func IsKnown(status string) bool {
	_, ok := transitions[status]
	return ok
}
