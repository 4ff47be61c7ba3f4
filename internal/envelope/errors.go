package envelope

import "errors"

// ErrShortSecret is wrapped by ConfigurationError when the secret is under 32 bytes.
var ErrShortSecret = errors.New("encryption secret must be at least 32 bytes")

// ConfigurationError reports a cipher that cannot be constructed. It is fatal
// and never retried.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "envelope: configuration: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// DecryptionError reports an envelope whose tag does not verify under the key.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return "envelope: decrypt: " + e.Err.Error() }
func (e *DecryptionError) Unwrap() error { return e.Err }
