// Package secret holds the redacting secret handle the engine treats as an
// opaque external collaborator (per spec.md §1, "out of scope").
package secret

// String wraps a sensitive value so that it never appears in logs, error
// messages, or JSON encodings by accident. Reveal is the single narrow
// accessor the Dispatcher's Authorization-header builder is permitted to
// call; no other call site in this repository calls it.
type String struct {
	value string
}

// New wraps a plaintext value.
func New(value string) String {
	return String{value: value}
}

// Reveal returns the plaintext value. Callers must not log or echo the
// result.
func (s String) Reveal() string {
	return s.value
}

// String implements fmt.Stringer with a fixed redaction so that accidental
// use in a format verb or log call never leaks the value.
func (s String) String() string {
	if s.value == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON mirrors String() so config round-trips and debug dumps never
// serialise the plaintext.
func (s String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts a plain JSON string as the secret's plaintext. This
// lets provider descriptors load api_key directly from YAML/JSON config.
func (s *String) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		s.value = ""
		return nil
	}
	s.value = string(data[1 : len(data)-1])
	return nil
}

// IsZero reports whether no value was ever set.
func (s String) IsZero() bool {
	return s.value == ""
}
