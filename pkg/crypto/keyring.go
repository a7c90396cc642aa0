// Package crypto implements the keyring over asymmetric sealed-box
// encryption used by both bundle payloads and snapshot files, plus the
// deterministic password-derived keypair facility. The only recognized
// EncryptionMethod is "sodium": sealed-box asymmetric encryption with an
// ephemeral, anonymous sender, built on golang.org/x/crypto/nacl/box exactly
// the way libsodium's crypto_box_seal is built on NaCl box.
package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

// keySize is the length in bytes of both public and secret NaCl box keys.
const keySize = 32

// PublicKey is a NaCl box public key.
type PublicKey [keySize]byte

// String returns the lowercase hex encoding of the key.
func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// SecretKey is a NaCl box secret key.
type SecretKey [keySize]byte

// String returns the lowercase hex encoding of the key.
func (k SecretKey) String() string { return hex.EncodeToString(k[:]) }

// Method names a supported encryption scheme. "sodium" is the only
// recognized value.
type Method string

// Sodium is the only recognized EncryptionMethod: sealed-box asymmetric
// encryption built on Curve25519/XSalsa20-Poly1305.
const Sodium Method = "sodium"

// MethodFromString parses the on-disk/config string form of a Method.
func MethodFromString(s string) (Method, error) {
	if s != string(Sodium) {
		return "", fmt.Errorf("crypto: unsupported encryption method %q", s)
	}
	return Sodium, nil
}

// Envelope is the (method, public key) pair stored alongside ciphertext.
// Decryption requires the matching secret key be present in the keyring.
type Envelope struct {
	Method    Method
	PublicKey PublicKey
}

// Crypto is a keyring mapping public keys to secret keys, backed by a
// directory of keyfiles. The zero value produced by Dummy holds no keys and
// is safe for repositories that never configure encryption.
//
// Crypto is shared across BundleDb handles and may be consulted from
// multiple goroutines; callers needing that must wrap it in their own
// mutual-exclusion primitive (the package does not impose one, since single
// BundleDb operations are already serialized).
type Crypto struct {
	mu   sync.Mutex
	dir  string
	keys map[PublicKey]SecretKey
}

// Dummy returns a Crypto with no keyring directory and no keys.
func Dummy() *Crypto {
	return &Crypto{keys: make(map[PublicKey]SecretKey)}
}

// Open loads every keyfile in dir into a new Crypto.
func Open(dir string) (*Crypto, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read keyring directory")
	}
	keys := make(map[PublicKey]SecretKey, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pub, sec, err := loadKeypairFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "load keyfile %s", entry.Name())
		}
		keys[pub] = sec
	}
	return &Crypto{dir: dir, keys: keys}, nil
}

// RegisterSecretKey adds (pub, sec) to the in-memory keyring and persists it
// as a keyfile named after the public key's hex encoding.
func (c *Crypto) RegisterSecretKey(pub PublicKey, sec SecretKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir != "" {
		if err := saveKeypairToFile(pub, sec, keyfilePath(c.dir, pub)); err != nil {
			return errors.Wrap(err, "persist keyfile")
		}
	}
	c.keys[pub] = sec
	return nil
}

// ContainsSecretKey reports whether the keyring holds the secret half of pub.
func (c *Crypto) ContainsSecretKey(pub PublicKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[pub]
	return ok
}

// KnownKeys returns the public keys whose secret half is present in the
// keyring, in no particular order.
func (c *Crypto) KnownKeys() []PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublicKey, 0, len(c.keys))
	for pub := range c.keys {
		out = append(out, pub)
	}
	return out
}

func (c *Crypto) secretKey(pub PublicKey) (SecretKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.keys[pub]
	if !ok {
		return SecretKey{}, &MissingKeyError{PublicKey: pub}
	}
	return sec, nil
}

// Encrypt seals data for env's public key. The sender is ephemeral and
// anonymous: nothing but the recipient's public key is required.
func (c *Crypto) Encrypt(env Envelope, data []byte) ([]byte, error) {
	if env.Method != Sodium {
		return nil, fmt.Errorf("crypto: unsupported encryption method %q", env.Method)
	}
	return sealedBoxSeal(data, env.PublicKey)
}

// Decrypt opens data sealed for env's public key, using the matching secret
// key from the keyring.
func (c *Crypto) Decrypt(env Envelope, data []byte) ([]byte, error) {
	if env.Method != Sodium {
		return nil, fmt.Errorf("crypto: unsupported encryption method %q", env.Method)
	}
	sec, err := c.secretKey(env.PublicKey)
	if err != nil {
		return nil, err
	}
	plain, err := sealedBoxOpen(data, env.PublicKey, sec)
	if err != nil {
		return nil, &OperationError{Reason: "Decryption failed"}
	}
	return plain, nil
}

// GenKeypair generates a fresh random keypair.
func GenKeypair() (PublicKey, SecretKey, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, SecretKey{}, errors.Wrap(err, "generate keypair")
	}
	return PublicKey(*pub), SecretKey(*sec), nil
}

// passwordSalt is fixed and repository-wide so the same passphrase always
// reproduces the same keypair across installs. This constant is part of the
// on-disk compatibility contract and must never change.
const passwordSalt = "the_great_zvault_password_salt_1"

// argon2 cost parameters chosen to land in the same rough wall-clock range
// as libsodium's OPSLIMIT_INTERACTIVE/MEMLIMIT_INTERACTIVE on commodity
// hardware (an Open Question resolution; see DESIGN.md).
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// KeypairFromPassword derives a deterministic keypair from a passphrase
// using a memory-hard KDF over the fixed repository-wide salt.
func KeypairFromPassword(password string) (PublicKey, SecretKey) {
	seed := argon2.IDKey([]byte(password), []byte(passwordSalt), argonTime, argonMemory, argonThreads, keySize)
	return keypairFromSeed(seed)
}

// keypairFromSeed expands a 32-byte seed into a keypair, treating the seed
// directly as the Curve25519 private scalar (exactly how libsodium's
// crypto_box_seed_keypair works, and exactly what box.GenerateKey does when
// fed a deterministic reader instead of crypto/rand).
func keypairFromSeed(seed []byte) (PublicKey, SecretKey) {
	pub, sec, err := box.GenerateKey(bytes.NewReader(seed))
	if err != nil {
		// bytes.NewReader over a full 32-byte seed never returns an error.
		panic(errors.Wrap(err, "expand seed to keypair"))
	}
	return PublicKey(*pub), SecretKey(*sec)
}

// sealNonceSize matches NaCl box's nonce size.
const sealNonceSize = 24

// sealedBoxSeal implements libsodium's crypto_box_seal: an ephemeral sender
// keypair is generated, the nonce is derived deterministically from the
// ephemeral and recipient public keys, and the ephemeral public key is
// prepended to the ciphertext so the recipient can recompute the nonce.
func sealedBoxSeal(message []byte, recipient PublicKey) ([]byte, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ephemeral keypair")
	}
	nonce, err := sealNonce(*ephPub, recipient)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, keySize+len(message)+box.Overhead)
	out = append(out, ephPub[:]...)
	recipientArr := [keySize]byte(recipient)
	out = box.Seal(out, message, &nonce, &recipientArr, ephSec)
	return out, nil
}

// sealedBoxOpen is the receiver half of sealedBoxSeal.
func sealedBoxOpen(sealed []byte, recipientPub PublicKey, recipientSec SecretKey) ([]byte, error) {
	if len(sealed) < keySize {
		return nil, fmt.Errorf("crypto: sealed box too short")
	}
	var ephPub [keySize]byte
	copy(ephPub[:], sealed[:keySize])
	nonce, err := sealNonce(ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	secArr := [keySize]byte(recipientSec)
	plain, ok := box.Open(nil, sealed[keySize:], &nonce, &ephPub, &secArr)
	if !ok {
		return nil, fmt.Errorf("crypto: box open failed")
	}
	return plain, nil
}

func sealNonce(ephPub, recipientPub PublicKey) ([sealNonceSize]byte, error) {
	var nonce [sealNonceSize]byte
	h, err := blake2b.New(sealNonceSize, nil)
	if err != nil {
		return nonce, errors.Wrap(err, "create nonce hash")
	}
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}
