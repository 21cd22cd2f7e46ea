package capture

import "context"

// Segment is one recognized result fragment.
type Segment struct {
	Text  string
	Final bool
}

// Update carries the recognizer results from its current cursor onward.
// Final segments are authoritative; interim segments are best-effort and are
// re-delivered, refined, until they finalize.
type Update struct {
	Segments []Segment
}

// Event is one occurrence on a recognizer's stream. Exactly one field is set.
type Event struct {
	// Update carries new recognition results.
	Update *Update
	// Ended reports that the recognizer terminated its session, solicited or
	// not (silence timeouts end sessions on their own).
	Ended bool
	// Err reports an irrecoverable recognizer failure.
	Err error
}

// Recognizer abstracts the speech-to-text provider. Events must deliver
// results in recognition order on a single channel that stays valid across
// Start/Stop cycles; Stop must eventually produce an Ended event.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}
