package crdt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Kind is the type of a document operation.
type Kind string

const (
	KindSet        Kind = "set"
	KindDelete     Kind = "delete"
	KindListInsert Kind = "list_insert"
	KindListUpdate Kind = "list_update"
)

func (k Kind) valid() bool {
	switch k {
	case KindSet, KindDelete, KindListInsert, KindListUpdate:
		return true
	}
	return false
}

// Path addresses a node in the document. Map children are addressed by key,
// list elements by their element id (see OpID.String).
type Path []string

// P builds a path from segments.
func P(segments ...string) Path {
	return Path(segments)
}

// Child returns a copy of p extended by seg.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = seg
	return out
}

// Parent returns the path of the enclosing container.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Last returns the final segment.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Normalize returns p with every segment in Unicode NFC form.
func (p Path) Normalize() Path {
	out := make(Path, len(p))
	for i, seg := range p {
		out[i] = norm.NFC.String(seg)
	}
	return out
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// key is an unambiguous map key for the path.
func (p Path) key() string {
	var b strings.Builder
	for _, seg := range p {
		b.WriteString(strconv.Quote(seg))
	}
	return b.String()
}

// Op is one mutation inside a batch. It carries no stamp of its own; the
// stamp comes from the enclosing batch and the op's position in it.
type Op struct {
	Path  Path   `json:"path"`
	Kind  Kind   `json:"kind"`
	Value any    `json:"value,omitempty"`
	After string `json:"after,omitempty"`
}

// Batch is the unit of replication: every op of one committed transaction.
type Batch struct {
	Origin ReplicaID `json:"origin"`
	Clock  uint64    `json:"clock"`
	Ops    []Op      `json:"ops"`
}

// Stamp returns the causal stamp shared by the batch's ops.
func (b Batch) Stamp() Stamp {
	return Stamp{Clock: b.Clock, Origin: b.Origin}
}

// Operations expands the batch into individually stamped operations.
func (b Batch) Operations() []Operation {
	out := make([]Operation, len(b.Ops))
	for i, op := range b.Ops {
		out[i] = Operation{ID: OpID{Stamp: b.Stamp(), Seq: uint32(i)}, Op: op}
	}
	return out
}

// Operation is an Op together with its unique id.
type Operation struct {
	ID OpID
	Op
}

// ValidateBatch checks that b could have been produced by this protocol.
func ValidateBatch(b Batch) error {
	if b.Origin == "" {
		return fmt.Errorf("%w: batch without origin", ErrMalformed)
	}
	if b.Clock == 0 {
		return fmt.Errorf("%w: batch from %s without clock", ErrMalformed, b.Origin)
	}
	if len(b.Ops) == 0 {
		return fmt.Errorf("%w: empty batch %d@%s", ErrMalformed, b.Clock, b.Origin)
	}
	for i, op := range b.Ops {
		if err := validateOp(op); err != nil {
			return fmt.Errorf("batch %d@%s op %d: %w", b.Clock, b.Origin, i, err)
		}
	}
	return nil
}

func validateOp(op Op) error {
	if !op.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, op.Kind)
	}
	if len(op.Path) == 0 {
		return fmt.Errorf("%w: empty path", ErrMalformed)
	}
	for _, seg := range op.Path {
		if seg == "" {
			return fmt.Errorf("%w: empty path segment in %q", ErrMalformed, op.Path.String())
		}
	}
	if op.Kind == KindDelete {
		return nil
	}
	if _, err := normalizeValue(op.Value); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if op.After != "" && op.Kind != KindListInsert {
		return fmt.Errorf("%w: anchor on %s", ErrMalformed, op.Kind)
	}
	return nil
}

// Values carried by a single op are scalars or an empty container marker.
// Composite values are expanded into a marker plus child ops.

// EmptyMap returns the marker value that creates a map container.
func EmptyMap() map[string]any { return map[string]any{} }

// EmptyList returns the marker value that creates a list container.
func EmptyList() []any { return []any{} }

func isMapMarker(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func isListMarker(v any) bool {
	_, ok := v.([]any)
	return ok
}

// normalizeValue maps an op value to its canonical in-memory form. Numbers
// become float64 so that a value decoded from JSON and the value written
// locally compare equal.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) != 0 {
			return nil, fmt.Errorf("%w: non-empty map as op value", ErrUnsupportedValue)
		}
		return EmptyMap(), nil
	case []any:
		if len(val) != 0 {
			return nil, fmt.Errorf("%w: non-empty list as op value", ErrUnsupportedValue)
		}
		return EmptyList(), nil
	}
	return NormalizeScalar(v)
}

// NormalizeScalar converts v to one of nil, bool, float64 or string.
// NaN and the infinities have no JSON form and are rejected.
func NormalizeScalar(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string:
		return val, nil
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case int:
		return float64(val), nil
	case int8:
		return float64(val), nil
	case int16:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return finite(f)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	return f, nil
}
