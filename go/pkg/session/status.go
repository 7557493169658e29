package session

import "fmt"

// Status is the lifecycle stage of a session.
type Status int32

const (
	Bootstrapping Status = iota
	Streaming
	Terminating
	Ended
)

func (s Status) String() string {
	switch s {
	case Bootstrapping:
		return "BOOTSTRAPPING"
	case Streaming:
		return "STREAMING"
	case Terminating:
		return "TERMINATING"
	case Ended:
		return "ENDED"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

// allowed lists legal transitions. Streaming -> Bootstrapping is the retry path
// and the only move backwards.
var allowed = map[Status][]Status{
	Bootstrapping: {Bootstrapping, Streaming, Terminating},
	Streaming:     {Bootstrapping, Terminating},
	Terminating:   {Ended},
}

func canMove(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Kind classifies the result of one bootstrap+stream unit of work.
type Kind int

const (
	Completed Kind = iota
	Retryable
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Outcome is what the supervisor loop decides its next step from.
type Outcome struct {
	Kind Kind
	Err  error
}

func (o Outcome) String() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s: %v", o.Kind, o.Err)
}
