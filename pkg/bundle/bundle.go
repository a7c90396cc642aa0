// Package bundle holds the bundle data model: the BundleId content
// identifier, the BundleInfo descriptor produced when a bundle is sealed,
// the StoredBundle record pairing a BundleInfo with its repository-relative
// path, and the on-disk bundle codec (header/chunk-table/data framing).
package bundle

import (
	"encoding/hex"
	"fmt"

	"github.com/mohae/deepcopy"
	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"github.com/josejamilena/zvault/pkg/compress"
	"github.com/josejamilena/zvault/pkg/crypto"
)

// idSize is the width of a BundleId: a BLAKE3-256 digest.
const idSize = 32

// ID is an opaque content identifier for a sealed bundle. Equality defines
// bundle identity.
type ID [idSize]byte

// String returns the lowercase hex encoding of the id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero value (never a valid sealed bundle).
func (id ID) IsZero() bool { return id == ID{} }

// EncodeMsgpack implements msgpack.CustomEncoder, writing the id as raw
// bytes rather than as an array of small integers.
func (id ID) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(id[:])
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (id *ID) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) != idSize {
		return fmt.Errorf("bundle: invalid id length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

// idOf hashes the raw (pre-compression, pre-encryption) content of a bundle
// so that identical content always yields the same id regardless of which
// compression or encryption scheme was chosen for storage.
func idOf(data []byte) ID {
	return ID(blake3.Sum256(data))
}

// Mode distinguishes file content bundles from directory/inode metadata
// bundles. Meta bundles are mirrored into the local cache on ingest; Data
// bundles live only in the remote directory.
type Mode uint8

const (
	// Data bundles hold file content and are never mirrored locally.
	Data Mode = iota
	// Meta bundles hold directory/inode metadata and are mirrored locally
	// for fast snapshot traversal.
	Meta
)

func (m Mode) String() string {
	switch m {
	case Data:
		return "data"
	case Meta:
		return "meta"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// HashMethod names the hash used to address chunks within a bundle's
// internal chunk table.
type HashMethod string

// Blake3 is the only recognized HashMethod.
const Blake3 HashMethod = "blake3"

// Info is the immutable descriptor produced when a bundle is sealed.
type Info struct {
	ID          ID              `msgpack:"0"`
	Mode        Mode            `msgpack:"1"`
	HashMethod  HashMethod      `msgpack:"2"`
	Compression compress.Method `msgpack:"3"`
	// Encryption is nil when the bundle was stored unencrypted.
	Encryption  *crypto.Envelope `msgpack:"4"`
	ChunkCount  int              `msgpack:"5"`
	EncodedSize uint64           `msgpack:"6"`
	RawSize     uint64           `msgpack:"7"`
}

// Clone returns a deep copy of info, safe to share independently of the
// original (StoredBundles are cheap to clone and freely shared).
func (info Info) Clone() Info {
	return deepcopy.Copy(info).(Info)
}

// ChunkRef is one entry of a ChunkList: a reference to a single chunk
// stored at ChunkIndex within bundle BundleID.
type ChunkRef struct {
	BundleID   ID  `msgpack:"0"`
	ChunkIndex int `msgpack:"1"`
}

// ChunkList is an ordered sequence of chunk references forming one logical
// object - a file's content, or a serialized inode.
type ChunkList []ChunkRef

// ChunkTableEntry describes one chunk stored inside a single bundle: its
// size (needed to locate it within the decoded data section) and the
// content hash of its raw bytes (used by Reader.Check to verify integrity).
type ChunkTableEntry struct {
	Hash ID     `msgpack:"0"`
	Size uint32 `msgpack:"1"`
}

// ChunkTable is the in-bundle index of chunk entries, in storage order.
type ChunkTable []ChunkTableEntry
