package types

// redacted is the placeholder substituted for secret values in logs and
// serialized output.
const redacted = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string that refuses to print itself. It overrides
// String() and MarshalJSON() so provider keys and webhook secrets never leak
// through fmt verbs, structured logs, or JSON-dumped config.
//
// Call Unmask() at the point where the raw value is genuinely required
// (Authorization headers, HMAC keys, connection strings).
type SecretString string

// String returns the redacted placeholder. Invoked by fmt and slog via the
// Stringer interface.
func (s SecretString) String() string {
	return redacted
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}

// Empty reports whether no secret is configured. The webhook verifier uses
// this to detect the explicit local-dev opt-out.
func (s SecretString) Empty() bool {
	return s == ""
}
