package worker

import (
	"errors"
	"time"

	"geo-content-pipeline/internal/models"
)

// Outcome classifies how processing one item ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeSkipped means there was nothing left to do; the item is done.
	OutcomeSkipped
	OutcomeParentNotFound
	OutcomeValidation
	OutcomeExternal
	// OutcomeNotReady defers the item without counting it as a failure.
	OutcomeNotReady
	// OutcomeYielded returns a partially processed item with saved progress.
	OutcomeYielded
	// OutcomeThrottled returns the item untouched and ends the batch.
	OutcomeThrottled
)

var outcomeNames = map[Outcome]string{
	OutcomeOK:             "ok",
	OutcomeSkipped:        "skipped",
	OutcomeParentNotFound: "parent_not_found",
	OutcomeValidation:     "validation_error",
	OutcomeExternal:       "external_error",
	OutcomeNotReady:       "not_ready",
	OutcomeYielded:        "yielded",
	OutcomeThrottled:      "throttled",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Failed reports whether the item ends in the error state.
func (o Outcome) Failed() bool {
	return o == OutcomeParentNotFound || o == OutcomeValidation || o == OutcomeExternal
}

// Result is what processing a single item returns instead of an error.
type Result struct {
	Outcome  Outcome
	EntityID string
	Detail   string
	// Payload replaces the item payload on release; nil keeps it.
	Payload any
	Delay   time.Duration
}

func Ok(entityID string) Result { return Result{Outcome: OutcomeOK, EntityID: entityID} }

func Skipped(entityID, reason string) Result {
	return Result{Outcome: OutcomeSkipped, EntityID: entityID, Detail: reason}
}

// ParentNotFound records the natural key of the missing parent so the item
// can be re-queued once that location exists.
func ParentNotFound(parentKey string) Result {
	return Result{Outcome: OutcomeParentNotFound, Detail: models.ParentMissing + parentKey}
}

func ValidationError(err error) Result {
	return Result{Outcome: OutcomeValidation, Detail: err.Error()}
}

func ExternalError(err error) Result {
	return Result{Outcome: OutcomeExternal, Detail: err.Error()}
}

func NotReady(entityID string, delay time.Duration) Result {
	return Result{Outcome: OutcomeNotReady, EntityID: entityID, Detail: "timezone not resolved", Delay: delay}
}

// errorResult maps a processing error to a result: bad payloads are
// validation errors, anything else is an external failure.
func errorResult(err error) Result {
	if errors.Is(err, models.ErrInvalidPayload) {
		return ValidationError(err)
	}
	return ExternalError(err)
}
