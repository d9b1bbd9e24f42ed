// pkg/pipeline/errors.go
package pipeline

import (
	"errors"
	"fmt"

	"github.com/clawops/chargebot/pkg/browser"
	"github.com/clawops/chargebot/pkg/form"
)

// Error kinds surfaced on RecordResult and used for batch abort decisions.
// The names are part of the result contract; downstream tooling matches on
// them verbatim.
const (
	KindInvalidInput         = "INVALID_INPUT"
	KindCapacityExceeded     = "CAPACITY_EXCEEDED"
	KindResourceCreateFailed = "RESOURCE_CREATE_FAILED"
	KindLoginFailed          = "LOGIN_FAILED"
	KindNavigationFailed     = "NAVIGATION_FAILED"
	KindProgramNotFound      = "PROGRAM_NOT_FOUND"
	KindTourCodeNotFound     = "TOUR_CODE_NOT_FOUND"
	KindFieldFillFailed      = "FIELD_FILL_FAILED"
	KindSubmissionFailed     = "SUBMISSION_FAILED"
	KindExtractionFailed     = "EXTRACTION_FAILED"
	KindStaleSession         = "STALE_SESSION"
	KindCancelled            = "CANCELLED"
)

// Error carries the taxonomy kind and the state where processing stopped.
type Error struct {
	Kind  string
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.State)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps any error onto a taxonomy kind. Pool sentinels and extraction
// exhaustion have well-known kinds; everything else is reported as-is when
// already classified, or empty when unclassifiable.
func KindOf(err error) string {
	var perr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &perr):
		return perr.Kind
	case errors.Is(err, browser.ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, browser.ErrResourceCreateFailed):
		return KindResourceCreateFailed
	case errors.Is(err, browser.ErrPoolClosed):
		return KindCapacityExceeded
	case errors.Is(err, form.ErrNoIdentifier):
		return KindExtractionFailed
	default:
		return ""
	}
}
