package model

import "encoding/json"

// KindQueueState is the message kind of a QueueState snapshot.
const KindQueueState = "queue-state"

// QueueState is a snapshot of an engine's run queue: at most one running
// specification and the queued ones in submission order.
type QueueState struct {
	Running string
	Queued  []string
}

// AllSpecIDs returns the running id (if any) followed by the queued ids in order.
func (q QueueState) AllSpecIDs() []string {
	ids := make([]string, 0, len(q.Queued)+1)
	if q.Running != "" {
		ids = append(ids, q.Running)
	}
	return append(ids, q.Queued...)
}

// Contains reports whether id is running or queued.
func (q QueueState) Contains(id string) bool {
	if id == "" {
		return false
	}
	if q.Running == id {
		return true
	}
	for _, queued := range q.Queued {
		if queued == id {
			return true
		}
	}
	return false
}

// Idle reports whether nothing is running or queued.
func (q QueueState) Idle() bool {
	return q.Running == "" && len(q.Queued) == 0
}

type queueStateJSON struct {
	Kind    string   `json:"kind"`
	Running *string  `json:"running"`
	Queued  []string `json:"queued"`
}

// MarshalJSON encodes an empty Running as null and always emits the kind.
func (q QueueState) MarshalJSON() ([]byte, error) {
	out := queueStateJSON{Kind: KindQueueState, Queued: q.Queued}
	if q.Running != "" {
		running := q.Running
		out.Running = &running
	}
	if out.Queued == nil {
		out.Queued = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (q *QueueState) UnmarshalJSON(data []byte) error {
	var in queueStateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	q.Running = ""
	if in.Running != nil {
		q.Running = *in.Running
	}
	q.Queued = in.Queued
	return nil
}
