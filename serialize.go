package command

import (
	"encoding/json"
	"time"

	"github.com/goliatone/go-lifecycle/operation"
	"github.com/goliatone/go-lifecycle/scope"
)

// payload is the serialized layout of a command. Durations are in
// milliseconds.
type payload[P any, R any] struct {
	ID        string                  `json:"id,omitempty"`
	Code      string                  `json:"code"`
	Status    Status                  `json:"status"`
	Params    P                       `json:"params"`
	CreatedAt time.Time               `json:"createdAt"`
	StartedAt *time.Time              `json:"startedAt,omitempty"`
	EndedAt   *time.Time              `json:"endedAt,omitempty"`
	Duration  *int64                  `json:"duration,omitempty"`
	IdleTime  *int64                  `json:"idleTime,omitempty"`
	Result    *R                      `json:"result,omitempty"`
	Error     *operation.ErrorPayload `json:"error,omitempty"`
}

// MarshalJSON serializes the command identity, state and timings.
func (c *Command[P, R]) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	out := payload[P, R]{
		ID:        c.id,
		Code:      c.code,
		Status:    c.status,
		Params:    c.params,
		CreatedAt: c.createdAt,
		StartedAt: timePtr(c.startedAt),
		EndedAt:   timePtr(c.endedAt),
		Error:     operation.MarshalError(c.err),
	}
	if d, ok := c.durationLocked(); ok {
		out.Duration = millis(d)
	}
	if d, ok := c.idleTimeLocked(); ok {
		out.IdleTime = millis(d)
	}
	if c.hasResult && !IsNilMessage(any(c.result)) {
		result := c.result
		out.Result = &result
	}
	c.mu.RUnlock()

	return json.Marshal(out)
}

// Restore rebuilds a serialized command under owner. Status, timestamps,
// result and error are taken verbatim from data; the command gets a fresh
// execution scope and never re-runs on its own; a processed command has that
// scope released before it is returned. Options override the serialized id
// and code.
func Restore[P any, R any](owner *scope.Scope, data []byte, opts ...Option) (*Command[P, R], error) {
	var in payload[P, R]
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, invalidPayload(err, nil)
	}

	status, err := ParseStatus(string(in.Status))
	if err != nil {
		return nil, invalidPayload(err, map[string]any{"status": in.Status})
	}

	o := newOptions(append([]Option{WithID(in.ID), WithCode(in.Code)}, opts...))
	c, err := build[P, R](owner, in.Params, OriginRestored, o)
	if err != nil {
		return nil, err
	}

	c.status = status
	c.createdAt = in.CreatedAt
	if in.StartedAt != nil {
		c.startedAt = *in.StartedAt
	}
	if in.EndedAt != nil {
		c.endedAt = *in.EndedAt
	}
	if in.Result != nil {
		c.result = *in.Result
		c.hasResult = true
	}
	c.err = operation.UnmarshalError(in.Error)

	if status.Processed() {
		c.finalizing.Store(true)
		close(c.settled)
		if err := c.scope.Destroy(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// PeekCode reads the code of a serialized command without decoding its
// params.
func PeekCode(data []byte) (string, error) {
	var head struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", invalidPayload(err, nil)
	}
	return head.Code, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
