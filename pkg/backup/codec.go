package backup

import (
	"bytes"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/josejamilena/zvault/pkg/crypto"
)

// magic identifies a zvault snapshot file. The trailing byte is part of the
// fixed magic, distinct from the version byte that follows it.
const magic = "zvault\x03"

// formatVersion is the only snapshot format version this package decodes.
const formatVersion = 0x01

// Header is the small, forward-compatible record preceding the payload.
// Unknown tags are ignored on decode; the only field currently defined is
// the encryption envelope the payload was sealed under, if any.
type Header struct {
	Encryption *crypto.Envelope `msgpack:"0"`
}

// SaveTo encodes b, optionally seals it under env using crypter, and writes
// magic + version + header + payload to w.
func SaveTo(w io.Writer, b *Backup, env *crypto.Envelope, crypter *crypto.Crypto) error {
	payload, err := msgpack.Marshal(b)
	if err != nil {
		return &EncodeError{Err: err}
	}

	if env != nil {
		sealed, err := crypter.Encrypt(*env, payload)
		if err != nil {
			return &EncryptionError{Err: err}
		}
		payload = sealed
	}

	var out bytes.Buffer
	out.WriteString(magic)
	out.WriteByte(formatVersion)
	header := Header{Encryption: env}
	if err := msgpack.NewEncoder(&out).Encode(&header); err != nil {
		return &EncodeError{Err: err}
	}
	out.Write(payload)

	_, err = w.Write(out.Bytes())
	return err
}

// ReadFrom verifies the magic and version, decodes the header, decrypts the
// payload via crypter if the header names an encryption envelope, and
// decodes the resulting Backup.
func ReadFrom(r io.Reader, crypter *crypto.Crypto) (*Backup, error) {
	// Read the whole file into memory before decoding the header. Decoding
	// straight off r would have msgpack.NewDecoder wrap any reader that
	// isn't an io.ByteScanner (an *os.File, notably) in its own
	// bufio.Reader, which reads ahead past the header and into the
	// payload; a later io.ReadAll of r would then start from wherever that
	// internal buffer happened to stop, not where the header actually
	// ended. Decoding from a bytes.Reader - which is a ByteScanner -
	// avoids the read-ahead entirely.
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if len(raw) < len(magic)+1 {
		return nil, &WrongHeaderError{}
	}
	if string(raw[:len(magic)]) != magic {
		return nil, &WrongHeaderError{}
	}
	version := raw[len(magic)]
	if version != formatVersion {
		return nil, &WrongVersionError{Version: version}
	}

	br := bytes.NewReader(raw[len(magic)+1:])
	dec := msgpack.NewDecoder(br)
	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, &DecodeError{Err: err}
	}

	payload := raw[len(raw)-br.Len():]

	if header.Encryption != nil {
		if crypter == nil {
			return nil, &DecryptionError{Err: crypto.ErrInvalidKey}
		}
		plain, err := crypter.Decrypt(*header.Encryption, payload)
		if err != nil {
			return nil, &DecryptionError{Err: err}
		}
		payload = plain
	}

	var b Backup
	if err := msgpack.Unmarshal(payload, &b); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &b, nil
}
