package models

import "time"

// TaskInfo tracks executions of one periodic task, keyed by
// "cloud:list_<kind>:<cloud id>".
type TaskInfo struct {
	Key                string     `json:"key"`
	LastAttemptStarted *time.Time `json:"last_attempt_started,omitempty"`
	LastSuccess        *time.Time `json:"last_success,omitempty"`
	LastFailure        *time.Time `json:"last_failure,omitempty"`
	FailureCount       int        `json:"failure_count"`
}

// LastRun is the most recent finished attempt, successful or not.
func (t *TaskInfo) LastRun() *time.Time {
	switch {
	case t.LastSuccess == nil:
		return t.LastFailure
	case t.LastFailure == nil:
		return t.LastSuccess
	case t.LastFailure.After(*t.LastSuccess):
		return t.LastFailure
	}
	return t.LastSuccess
}
