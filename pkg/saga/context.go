package saga

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// InputParameters is the immutable parameter map a run is started with.
// Values are stored as JSON so they survive a process restart unchanged.
type InputParameters struct {
	values map[string]json.RawMessage
}

// NewInputParameters encodes every value of params.
func NewInputParameters(params map[string]interface{}) (InputParameters, error) {
	values := make(map[string]json.RawMessage, len(params))
	for k, v := range params {
		raw, err := json.Marshal(v)
		if err != nil {
			return InputParameters{}, fmt.Errorf("failed to encode input %q: %w", k, err)
		}
		values[k] = raw
	}
	return InputParameters{values: values}, nil
}

// Decode unmarshals the value stored under key into v.
func (p InputParameters) Decode(key string, v interface{}) error {
	raw, ok := p.values[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingInput, key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode input %q: %w", key, err)
	}
	return nil
}

// Has reports whether key was supplied.
func (p InputParameters) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Keys returns the parameter names in sorted order.
func (p InputParameters) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON implements json.Marshaler.
func (p InputParameters) MarshalJSON() ([]byte, error) {
	if p.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.values)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *InputParameters) UnmarshalJSON(data []byte) error {
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	p.values = values
	return nil
}

// WorkingRecord is the mutable scratch space shared by the steps of one run.
// Keys are namespaced as "<owner>/<name>". A missing key means the writer has
// not run yet; a present key from an earlier attempt is authoritative.
type WorkingRecord struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewWorkingRecord returns an empty working record.
func NewWorkingRecord() *WorkingRecord {
	return &WorkingRecord{values: make(map[string]json.RawMessage)}
}

// RestoreWorkingRecord rebuilds a working record from a persisted snapshot.
func RestoreWorkingRecord(snapshot map[string]json.RawMessage) *WorkingRecord {
	w := NewWorkingRecord()
	for k, v := range snapshot {
		w.values[k] = append(json.RawMessage(nil), v...)
	}
	return w
}

// Put stores v under key, replacing any previous value.
func (w *WorkingRecord) Put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode working value %q: %w", key, err)
	}
	w.mu.Lock()
	w.values[key] = raw
	w.mu.Unlock()
	return nil
}

// Get decodes the value under key into v. found is false when the key is
// absent, which is not an error.
func (w *WorkingRecord) Get(key string, v interface{}) (found bool, err error) {
	w.mu.RLock()
	raw, ok := w.values[key]
	w.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode working value %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key is present.
func (w *WorkingRecord) Has(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.values[key]
	return ok
}

// Delete removes key.
func (w *WorkingRecord) Delete(key string) {
	w.mu.Lock()
	delete(w.values, key)
	w.mu.Unlock()
}

// Snapshot returns a copy suitable for persistence.
func (w *WorkingRecord) Snapshot() map[string]json.RawMessage {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(w.values))
	for k, v := range w.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// ExecutionContext is threaded through every step of one run.
type ExecutionContext struct {
	RunID    string
	Workflow string
	Inputs   InputParameters
	Working  *WorkingRecord
	Logger   *telemetry.Logger

	// Failure is the error being compensated; nil during forward execution.
	Failure error
}

// NewExecutionContext creates a context for a fresh run.
func NewExecutionContext(runID, workflow string, inputs InputParameters) *ExecutionContext {
	return &ExecutionContext{
		RunID:    runID,
		Workflow: workflow,
		Inputs:   inputs,
		Working:  NewWorkingRecord(),
		Logger:   telemetry.NewNopLogger(),
	}
}
