package tasks

// Status is the lifecycle state of a task.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRetrying  Status = "RETRYING"
	StatusCancelled Status = "CANCELLED"
)

// transitions lists the allowed moves out of each state.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusScheduled, StatusRetrying, StatusFailed, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusDelivered, StatusRetrying, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusRetrying, StatusFailed, StatusCancelled},
	StatusDelivered: {StatusRunning, StatusCompleted, StatusRetrying, StatusFailed, StatusCancelled},
	StatusRetrying:  {StatusScheduled, StatusRetrying, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusRetrying},
}

// CanTransition reports whether the lifecycle allows from -> to.
// FAILED -> RETRYING is only legal while retries remain; callers check the budget.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusScheduled, StatusRunning, StatusDelivered,
		StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled:
		return true
	}
	return false
}

// Schedulable is the set of states the engine may move to SCHEDULED on a fire.
var Schedulable = []Status{StatusCreated, StatusScheduled, StatusRetrying}

// Cancellable is the set of states a cancel request may leave.
var Cancellable = []Status{
	StatusCreated, StatusScheduled, StatusRunning, StatusDelivered,
	StatusRetrying, StatusFailed,
}
