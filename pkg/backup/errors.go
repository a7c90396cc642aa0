package backup

import "fmt"

// WrongHeaderError is returned when a file does not begin with the backup
// magic and is therefore not a backup snapshot at all.
type WrongHeaderError struct{}

func (e *WrongHeaderError) Error() string {
	return "backup: wrong header magic"
}

// WrongVersionError is returned when the magic matches but the version
// byte names a format this package does not know how to decode.
type WrongVersionError struct {
	Version byte
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("backup: unsupported format version %d", e.Version)
}

// DecodeError wraps a msgpack decode failure of the header or payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("backup: decode: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError wraps a msgpack encode failure of the header or payload.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("backup: encode: %v", e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecryptionError wraps a keyring failure opening an encrypted payload -
// the underlying error is typically a *crypto.MissingKeyError,
// *crypto.OperationError, or crypto.ErrInvalidKey.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("backup: decryption: %v", e.Err) }
func (e *DecryptionError) Unwrap() error { return e.Err }

// EncryptionError wraps a keyring failure sealing a payload.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string { return fmt.Sprintf("backup: encryption: %v", e.Err) }
func (e *EncryptionError) Unwrap() error { return e.Err }
