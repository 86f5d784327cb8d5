package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Statuses produced by the dispatcher itself. Tools report their own
// domain statuses (OCR_DONE, FAILED_MAPPING, ...) on success or failure.
const (
	StatusError   = "ERROR"
	StatusTimeout = "FAILED_TIMEOUT"
	StatusPanic   = "FAILED_PANIC"
)

// Result is the reply of every tool call.
type Result struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Failed reports whether the call did not succeed: dispatcher errors and
// any status containing FAILED.
func (r Result) Failed() bool {
	return r.Status == StatusError || strings.Contains(r.Status, "FAILED")
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("result %s carries no data", r.Status)
	}
	return json.Unmarshal(r.Data, v)
}

// OK builds a successful result carrying data encoded as JSON.
func OK(status string, data any) Result {
	if data == nil {
		return Result{Status: status}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Errorf("encoding %s result: %v", status, err)
	}
	return Result{Status: status, Data: b}
}

// Fail builds a failed result with the given status.
func Fail(status string, err error) Result {
	return Result{Status: status, Error: err.Error()}
}

// FailWith builds a failed result that still carries data.
func FailWith(status string, err error, data any) Result {
	r := OK(status, data)
	r.Error = err.Error()
	return r
}

// Errorf builds an ERROR result.
func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}
