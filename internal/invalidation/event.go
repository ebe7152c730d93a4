// Package invalidation keeps the caches of several processes coherent by
// broadcasting invalidation events over Redis pub/sub.
package invalidation

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/feedrank/internal/query"
	"github.com/onnwee/feedrank/internal/ranking"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "feedrank:invalidation"

// Kind names what an event invalidates.
type Kind string

const (
	KindSubject Kind = "subject"
	KindAll     Kind = "all"
	KindContent Kind = "content"
	KindWeights Kind = "weights"
)

// Event decoding errors.
var (
	ErrEmptyPayload = errors.New("empty invalidation payload")
	ErrUnknownKind  = errors.New("unknown invalidation kind")
	ErrMissingField = errors.New("invalidation event is missing a required field")
)

// Event is one invalidation broadcast.
type Event struct {
	Kind Kind `cbor:"kind"`
	// Origin identifies the publishing process so it can ignore its own events.
	Origin string `cbor:"origin"`
	// SentAtUS is the publish time in microseconds since the epoch.
	SentAtUS int64 `cbor:"sent_at_us"`

	SubjectID string              `cbor:"subject_id,omitempty"`
	Content   *query.ContentEvent `cbor:"content,omitempty"`
	Weights   *ranking.Weights    `cbor:"weights,omitempty"`
}

// Validate checks that the fields required by Kind are present.
func (e Event) Validate() error {
	switch e.Kind {
	case KindSubject:
		if e.SubjectID == "" {
			return fmt.Errorf("%w: subject_id", ErrMissingField)
		}
	case KindAll:
	case KindContent:
		if e.Content == nil {
			return fmt.Errorf("%w: content", ErrMissingField)
		}
	case KindWeights:
		if e.Weights == nil {
			return fmt.Errorf("%w: weights", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

// Encode serializes an event to CBOR.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(e)
}

// Decode parses and validates a CBOR event.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, ErrEmptyPayload
	}
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode invalidation event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Handler applies invalidations locally. *query.Orchestrator implements it.
type Handler interface {
	InvalidateSubject(subjectID string) int
	InvalidateAll() int
	ContentChanged(ev query.ContentEvent) int
	SetWeights(w ranking.Weights) (int, error)
}

// Apply dispatches e to h and returns the number of entries removed.
func Apply(h Handler, e Event) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	switch e.Kind {
	case KindSubject:
		return h.InvalidateSubject(e.SubjectID), nil
	case KindAll:
		return h.InvalidateAll(), nil
	case KindContent:
		return h.ContentChanged(*e.Content), nil
	default:
		return h.SetWeights(*e.Weights)
	}
}
