package crypto

import "fmt"

// ErrInvalidKey is returned when a public or secret key cannot be parsed
// (wrong length, malformed hex, ...).
var ErrInvalidKey = fmt.Errorf("invalid key")

// MissingKeyError is returned by Decrypt when the keyring holds no secret
// key matching the envelope's public key.
type MissingKeyError struct {
	PublicKey PublicKey
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing key: %s", e.PublicKey)
}

// OperationError wraps a failure of the underlying sealed-box primitive
// itself (as opposed to a malformed key or envelope).
type OperationError struct {
	Reason string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed: %s", e.Reason)
}
