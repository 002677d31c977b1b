package transport

import (
	"fmt"
	"net/http"
)

// Outcome is the classification of one delivery attempt.
type Outcome int

const (
	// OutcomeDelivered: status 200 with the sentinel header present.
	OutcomeDelivered Outcome = iota
	// OutcomeRejected: any status other than 200.
	OutcomeRejected
	// OutcomeStaleRedirect: status 200 without the sentinel header, i.e. a
	// proxy or captive portal answering in place of the ingestion service.
	OutcomeStaleRedirect
	// OutcomeTransportError: no response was received.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeStaleRedirect:
		return "stale_redirect"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify decides whether a response came from the real ingestion endpoint
// and was accepted.
func Classify(resp *Response, err error, sentinel string) Outcome {
	if err != nil || resp == nil {
		return OutcomeTransportError
	}
	if resp.StatusCode != http.StatusOK {
		return OutcomeRejected
	}
	if resp.Header.Get(sentinel) == "" {
		return OutcomeStaleRedirect
	}
	return OutcomeDelivered
}

// FailureError reports a request that was not delivered.
type FailureError struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Outcome, e.Err)
	}
	return fmt.Sprintf("%s: status %d", e.Outcome, e.StatusCode)
}

func (e *FailureError) Unwrap() error { return e.Err }
