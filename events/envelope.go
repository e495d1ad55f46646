package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Streams partition subjects by concern.
const (
	StreamWorkflow  = "WORKFLOW"
	StreamEvents    = "EVENTS"
	StreamState     = "STATE"
	StreamFunctions = "FUNCTIONS"
	StreamErrors    = "ERRORS"
)

// Streams lists every stream in a fixed order.
var Streams = []string{StreamWorkflow, StreamEvents, StreamState, StreamFunctions, StreamErrors}

var subjectStreams = map[string]string{
	"workflow": StreamWorkflow,
	"event":    StreamEvents,
	"state":    StreamState,
	"function": StreamFunctions,
	"error":    StreamErrors,
}

// Envelope types
const (
	TypeCreated           = "created"
	TypeTokenAdded        = "token_added"
	TypeTransitionFired   = "transition_fired"
	TypeTransitionApplied = "transition_applied"
	TypeStateSnapshot     = "state_snapshot"
	TypeFunctionCall      = "function_call"
	TypeCompleted         = "completed"
	TypeChained           = "chained"
	TypeError             = "error"
)

// Envelope is the typed message carried by every subject.
type Envelope struct {
	ID         string                 `json:"id"`
	Seq        string                 `json:"seq,omitempty"`
	Subject    string                 `json:"subject"`
	Type       string                 `json:"type"`
	WorkflowID uint64                 `json:"workflow_id,omitempty"`
	Version    uint64                 `json:"version,omitempty"`
	Transition string                 `json:"transition,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	Attempt    int                    `json:"attempt,omitempty"`
}

// stamp fills the bus-assigned identity fields that the publisher left empty.
func (e *Envelope) stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
}

// Stream returns the stream the envelope's subject belongs to.
func (e Envelope) Stream() string {
	return StreamFor(e.Subject)
}

// WorkflowSubject is the lifecycle subject "workflow.<event>".
func WorkflowSubject(event string) string { return "workflow." + event }

// EventSubject carries fire requests and outcomes for one instance.
func EventSubject(id uint64) string { return "event." + strconv.FormatUint(id, 10) }

// StateSubject carries marking snapshots for one instance.
func StateSubject(id uint64) string { return "state." + strconv.FormatUint(id, 10) }

// FunctionSubject carries work items for the named function.
func FunctionSubject(name string) string { return "function." + name }

// ErrorSubject carries failures for one instance.
func ErrorSubject(id uint64) string { return "error." + strconv.FormatUint(id, 10) }

// StreamFor maps a subject to its stream, or "" for an unknown prefix.
func StreamFor(subject string) string {
	head, _, _ := strings.Cut(subject, ".")
	return subjectStreams[head]
}

// streamsFor returns the streams a filter can match.
func streamsFor(filter string) []string {
	head, _, _ := strings.Cut(filter, ".")
	if head == "*" || head == ">" {
		return Streams
	}
	if s, ok := subjectStreams[head]; ok {
		return []string{s}
	}
	return nil
}

// Match reports whether subject matches filter. Tokens are dot separated;
// "*" matches exactly one token and a trailing ">" matches one or more.
func Match(filter, subject string) bool {
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, tok := range ft {
		if tok == ">" {
			return i == len(ft)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}

// ValidateFilter rejects filters that cannot match any stream.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrSubscribe)
	}
	if i := strings.Index(filter, ">"); i >= 0 && i != len(filter)-1 {
		return fmt.Errorf("%w: '>' must be the last token in %q", ErrSubscribe, filter)
	}
	if len(streamsFor(filter)) == 0 {
		return fmt.Errorf("%w: no stream for %q", ErrSubscribe, filter)
	}
	return nil
}

// ErrorPayload is the data of an envelope published on an error subject.
type ErrorPayload struct {
	Error           string                 `mapstructure:"error" json:"error"`
	Kind            string                 `mapstructure:"kind" json:"kind"`
	Backtrace       string                 `mapstructure:"backtrace,omitempty" json:"backtrace,omitempty"`
	OriginalMessage map[string]interface{} `mapstructure:"original_message,omitempty" json:"original_message,omitempty"`
	Timestamp       int64                  `mapstructure:"timestamp" json:"timestamp"`
}

// NewErrorPayload describes err raised while handling original.
func NewErrorPayload(err error, kind string, original *Envelope, now time.Time) ErrorPayload {
	p := ErrorPayload{Error: err.Error(), Kind: kind, Timestamp: now.UnixMilli()}
	if original != nil {
		p.OriginalMessage = original.Map()
	}
	return p
}

// Map converts the payload to envelope data.
func (p ErrorPayload) Map() map[string]interface{} {
	out := make(map[string]interface{})
	_ = mapstructure.Decode(p, &out)
	return out
}

// DecodeErrorPayload reads an ErrorPayload out of envelope data.
func DecodeErrorPayload(data map[string]interface{}) (ErrorPayload, error) {
	var p ErrorPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return ErrorPayload{}, err
	}
	if err := dec.Decode(data); err != nil {
		return ErrorPayload{}, fmt.Errorf("malformed error payload: %w", err)
	}
	return p, nil
}

// Map renders the envelope as loose data, the shape it has on the wire.
func (e Envelope) Map() map[string]interface{} {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}
