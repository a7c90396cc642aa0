package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// keyfileYAML is the on-disk shape of one keyring entry: a YAML document
// with exactly two string fields, each a lowercase hex encoding of 32 bytes.
type keyfileYAML struct {
	Public string `yaml:"public"`
	Secret string `yaml:"secret"`
}

func keyfilePath(dir string, pub PublicKey) string {
	return filepath.Join(dir, pub.String()+".yaml")
}

func loadKeypairFromFile(path string) (PublicKey, SecretKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, SecretKey{}, errors.Wrap(err, "read keyfile")
	}
	var kf keyfileYAML
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return PublicKey{}, SecretKey{}, errors.Wrap(err, "parse keyfile")
	}
	pub, err := parseKeyHex(kf.Public)
	if err != nil {
		return PublicKey{}, SecretKey{}, ErrInvalidKey
	}
	sec, err := parseKeyHex(kf.Secret)
	if err != nil {
		return PublicKey{}, SecretKey{}, ErrInvalidKey
	}
	return PublicKey(pub), SecretKey(sec), nil
}

func saveKeypairToFile(pub PublicKey, sec SecretKey, path string) error {
	kf := keyfileYAML{Public: pub.String(), Secret: sec.String()}
	raw, err := yaml.Marshal(&kf)
	if err != nil {
		return errors.Wrap(err, "encode keyfile")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "mkdir keyring directory")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.Wrap(err, "write keyfile")
	}
	return nil
}

func parseKeyHex(s string) ([keySize]byte, error) {
	var out [keySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != keySize {
		return out, ErrInvalidKey
	}
	copy(out[:], raw)
	return out, nil
}
