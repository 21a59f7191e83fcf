package models

// OutcomeKind distinguishes a successful run from a failed one.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

// Outcome is the result a worker (or the sweeper) reports for a claimed job.
type Outcome struct {
	Kind      OutcomeKind
	Message   string
	ResultRef string
}

// Success builds a success outcome.
func Success(message string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Message: message}
}

// Failure builds a failure outcome.
func Failure(reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Message: reason}
}
