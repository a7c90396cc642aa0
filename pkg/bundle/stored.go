package bundle

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Stored pairs a bundle's descriptor with the repository-relative path it
// was found at, forming the unit of record kept in a listing cache and
// returned by BundleDb.ListBundles. Stored values are cheap to clone and
// freely shared: Clone deep-copies the only pointer field.
type Stored struct {
	Info Info   `msgpack:"0"`
	Path string `msgpack:"1"`
}

// Clone returns a deep copy of s.
func (s Stored) Clone() Stored {
	return Stored{Info: s.Info.Clone(), Path: s.Path}
}

// ReadListFrom decodes a msgpack-encoded list of Stored records, the format
// written by SaveListTo and read back by BundleDb when it loads a listing
// cache file.
func ReadListFrom(r io.Reader) ([]Stored, error) {
	var list []Stored
	if err := msgpack.NewDecoder(r).Decode(&list); err != nil {
		return nil, errors.Wrap(err, "decode bundle list")
	}
	return list, nil
}

// SaveListTo encodes list as msgpack and writes it to w.
func SaveListTo(w io.Writer, list []Stored) error {
	if err := msgpack.NewEncoder(w).Encode(list); err != nil {
		return errors.Wrap(err, "encode bundle list")
	}
	return nil
}

// CopyTo copies the bundle file at s.Path to dst, leaving the source intact.
// Used when mirroring a sealed Meta bundle from temp into both the local
// and remote directories.
func (s Stored) CopyTo(dst string) error {
	src, err := os.Open(s.Path)
	if err != nil {
		return errors.Wrap(err, "open source bundle")
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "create destination bundle")
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.Wrap(err, "copy bundle data")
	}
	return errors.Wrap(out.Close(), "close destination bundle")
}

// MoveTo renames the bundle file at s.Path to dst, falling back to a copy
// and remove when the rename crosses a filesystem boundary (e.g. temp and
// remote living on different mounts).
func (s Stored) MoveTo(dst string) error {
	if err := os.Rename(s.Path, dst); err == nil {
		return nil
	}
	if err := s.CopyTo(dst); err != nil {
		return err
	}
	return errors.Wrap(os.Remove(s.Path), "remove source bundle after move")
}
