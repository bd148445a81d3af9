// Package protocol defines the wire contract between a controller and an
// engine: typed messages carried in length-prefixed JSON frames over a single
// bidirectional transport.
//
// Two kinds of traffic share a transport. Requests (run-spec, run-batch,
// stop) carry a correlation id and are answered by exactly one reply
// (spec-result, batch-result, ack) carrying the same id. Pushes (engine-ready,
// queue-state, spec-progress) are unsolicited and carry no correlation id.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/seantiz/specrun/internal/model"
)

// Message kinds.
const (
	KindRunSpec      = "run-spec"
	KindRunBatch     = "run-batch"
	KindStop         = "stop"
	KindSpecResult   = "spec-result"
	KindBatchResult  = "batch-result"
	KindAck          = "ack"
	KindQueueState   = model.KindQueueState
	KindEngineReady  = "engine-ready"
	KindSpecProgress = "spec-progress"
)

// replyKinds maps each request kind to the kind of its terminal reply.
var replyKinds = map[string]string{
	KindRunSpec:  KindSpecResult,
	KindRunBatch: KindBatchResult,
	KindStop:     KindAck,
}

// ReplyKind returns the reply kind for a request kind.
func ReplyKind(requestKind string) (string, bool) {
	k, ok := replyKinds[requestKind]
	return k, ok
}

// IsReply reports whether kind is a reply kind.
func IsReply(kind string) bool {
	return kind == KindSpecResult || kind == KindBatchResult || kind == KindAck
}

// Message is the envelope for every frame on the wire.
type Message struct {
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of the given kind.
func NewMessage(kind, correlationID string, payload any) (Message, error) {
	msg := Message{Kind: kind, CorrelationID: correlationID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// NewCorrelationID returns a fresh request correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// RunSpec asks the engine to run one specification. Spec, when set, is run
// instead of the engine's own copy of SpecID.
type RunSpec struct {
	SpecID     string               `json:"spec_id"`
	Spec       *model.Specification `json:"spec,omitempty"`
	MaxRetries int                  `json:"max_retries,omitempty"`
	TimeoutMS  int                  `json:"timeout_ms,omitempty"`
}

// RunBatch asks the engine to run a list of specifications and reply once
// every one of them is terminal.
type RunBatch struct {
	BatchID    string                `json:"batch_id"`
	SpecIDs    []string              `json:"spec_ids"`
	Specs      []model.Specification `json:"specs,omitempty"`
	MaxRetries int                   `json:"max_retries,omitempty"`
	TimeoutMS  int                   `json:"timeout_ms,omitempty"`
}

// Stop cancels every queued specification. With Shutdown set the engine also
// exits once the running specification is terminal.
type Stop struct {
	Shutdown bool `json:"shutdown,omitempty"`
}

// Ack answers a stop request, or any request the engine could not accept.
type Ack struct {
	Cancelled []string `json:"cancelled,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Ready is the handshake an engine sends once it can accept requests. An
// engine whose system failed to start sends StartupError instead and exits.
type Ready struct {
	SystemName    string               `json:"system_name"`
	Mode          model.EngineMode     `json:"mode"`
	PID           int                  `json:"pid,omitempty"`
	Fixtures      []model.FixtureModel `json:"fixtures"`
	GrammarErrors []model.GrammarError `json:"grammar_errors,omitempty"`
	StartupError  string               `json:"startup_error,omitempty"`
}

// SpecProgress reports one result of a running specification as it is
// recorded. Sent in interactive mode only.
type SpecProgress struct {
	SpecID string       `json:"spec_id"`
	Result model.Result `json:"result"`
	Counts model.Counts `json:"counts"`
}
