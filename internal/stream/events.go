package stream

import (
	"encoding/json"
	"fmt"
)

// Client-initiated event names
const (
	EventAuthenticate = "authenticate"
	EventSummarize    = "summarize_stream"
	EventStopStream   = "stop_stream"
)

// Server-initiated event names
const (
	EventConnectAck    = "connect_ack"
	EventAuthResult    = "auth_result"
	EventSummaryStream = "summary_stream"
)

// unauthorizedCode is the literal error code the backend emits when a request
// arrives on a socket whose session was not (or is no longer) accepted.
const unauthorizedCode = "unauthorized"

// Envelope is the wire framing for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Credentials is the payload of the authenticate event (and the connect-time
// credential mirrored as a query parameter).
type Credentials struct {
	Token string `json:"token"`
}

// AuthResult is the server's answer to an authenticate event.
type AuthResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SummarizeRequest is the payload of the summarize_stream event.
type SummarizeRequest struct {
	Text string `json:"text"`
}

// SummaryEvent is one decoded variant of a summary_stream payload. The four
// shapes are mutually exclusive on the wire in practice but a single server
// message may carry several of them (a final marker typically rides together
// with end), so decoding yields an ordered slice.
type SummaryEvent interface {
	isSummaryEvent()
}

// TokenEvent carries one incremental summary fragment.
type TokenEvent struct {
	Token string
}

// FinalEvent carries the authoritative complete summary for a request.
type FinalEvent struct {
	Final string
}

// EndEvent marks stream termination.
type EndEvent struct{}

// ErrorEvent carries a backend-reported failure.
type ErrorEvent struct {
	Code    string
	Message string
}

func (TokenEvent) isSummaryEvent() {}
func (FinalEvent) isSummaryEvent() {}
func (EndEvent) isSummaryEvent()   {}
func (ErrorEvent) isSummaryEvent() {}

// Unauthorized reports whether the error denotes an authorization failure.
func (e ErrorEvent) Unauthorized() bool {
	return e.Code == unauthorizedCode
}

// Surface returns the user-facing message, preferring the server-provided
// message over the error code.
func (e ErrorEvent) Surface() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// summaryPayload is the loose wire shape of a summary_stream payload.
type summaryPayload struct {
	Token   *string `json:"token,omitempty"`
	Final   *string `json:"final,omitempty"`
	End     bool    `json:"end,omitempty"`
	Error   *string `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

// DecodeSummaryEvents splits one summary_stream payload into its typed
// variants, in the order they must be processed: an error short-circuits
// everything else; otherwise token, then final, then end.
func DecodeSummaryEvents(data []byte) ([]SummaryEvent, error) {
	var p summaryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed summary_stream payload: %w", err)
	}

	if p.Error != nil {
		return []SummaryEvent{ErrorEvent{Code: *p.Error, Message: p.Message}}, nil
	}

	var events []SummaryEvent
	if p.Token != nil {
		events = append(events, TokenEvent{Token: *p.Token})
	}
	if p.Final != nil {
		events = append(events, FinalEvent{Final: *p.Final})
	}
	if p.End {
		events = append(events, EndEvent{})
	}
	return events, nil
}
