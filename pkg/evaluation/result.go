package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind controls whether an evaluation may run while another caller owns the
// session's interaction slot.
type Kind string

const (
	// KindNormal evaluations wait for the interaction slot.
	KindNormal Kind = "normal"
	// KindReentrant evaluations bypass the slot. Used for diagnostic and
	// meta queries that must not queue behind a long interaction.
	KindReentrant Kind = "reentrant"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindNormal || k == KindReentrant
}

// Notice is an engine-side state change reported alongside a response.
type Notice string

const (
	NoticePackagesInstalled Notice = "packages_installed"
	NoticePackagesRemoved   Notice = "packages_removed"
)

// Result is the structural response to an evaluation or command.
type Result struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Output  string          `json:"output,omitempty"`
	Notices []Notice        `json:"events,omitempty"`
}

// Has reports whether the engine attached notice n to the result.
func (r Result) Has(n Notice) bool {
	for _, got := range r.Notices {
		if got == n {
			return true
		}
	}
	return false
}

// Decode converts the structural value of r into T using T's JSON field
// mapping. A missing or null value yields the zero T. Any conversion problem
// is reported as a *Fault with ClassDecode so callers only ever see the
// evaluation error taxonomy.
func Decode[T any](r Result) (T, error) {
	var out T

	raw := bytes.TrimSpace(r.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &Fault{
			Message: fmt.Sprintf("cannot convert result to %T: %v", out, err),
			Class:   ClassDecode,
		}
	}

	return out, nil
}

// Value builds a Result holding v. It is the engine-side counterpart of
// Decode.
func Value(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("evaluation: encode value: %w", err)
	}

	return Result{Value: b}, nil
}
