// Package snapshot implements the tree walk that builds and restores backup
// snapshots: a post-order save during backup, and a breadth-first restore.
// It is deliberately decoupled from how inode content is read from or
// written to disk, from how file bytes are chunked, and from how chunks
// reach bundle storage - all of that is the Repository collaborator's job.
package snapshot

import "github.com/josejamilena/zvault/pkg/bundle"

// FileType distinguishes the two kinds of inode the builder and restorer
// care about. Attributes beyond type, name, size and modification time are
// outside this package's concern.
type FileType uint8

const (
	Regular FileType = iota
	Directory
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	default:
		return "unknown"
	}
}

// Inode is the observed, serializable shape of one filesystem entry.
// Directories carry a Children map from name to the ChunkList of the
// child's own serialized Inode; non-directories carry Content, the
// ChunkList of their raw bytes.
type Inode struct {
	Name     string                      `msgpack:"0"`
	Type     FileType                    `msgpack:"1"`
	Size     uint64                      `msgpack:"2"`
	ModTime  int64                       `msgpack:"3"`
	Children map[string]bundle.ChunkList `msgpack:"4"`
	Content  bundle.ChunkList            `msgpack:"5"`
}

// IsUnchanged reports whether other's metadata is close enough to i's that
// its content can be assumed identical, letting the builder skip rechunking
// it. Only the attributes the backup layer actually observes are compared.
func (i *Inode) IsUnchanged(other *Inode) bool {
	if i == nil || other == nil {
		return false
	}
	return i.Type == other.Type && i.Size == other.Size && i.ModTime == other.ModTime
}

// Info reports a Repository's cumulative storage counters. CreateBackup
// diffs two Info snapshots (taken before and after the walk) to fill in a
// Backup's encoded/deduplicated size and bundle/chunk counts.
type Info struct {
	RawDataSize     uint64
	EncodedDataSize uint64
	BundleCount     int
	ChunkCount      int
}

// Repository is the external collaborator that turns Inodes into stored
// chunks and back. It owns the chunker, the inode binary representation,
// and routing writes through a bundle database - none of which this package
// is concerned with.
type Repository interface {
	// Scan builds a fresh Inode for path. ref, if non-nil, is the
	// corresponding inode from a previous backup, offered as a hint so an
	// implementation can skip rechunking unchanged content.
	Scan(path string, ref *Inode) (*Inode, error)

	// ReadDirNames lists the immediate child names of the directory at
	// path, in any order.
	ReadDirNames(path string) ([]string, error)

	// WriteInode serializes inode (whose Children, for a directory, are
	// already fully populated) and returns a ChunkList referencing it.
	WriteInode(inode *Inode) (bundle.ChunkList, error)

	// ReadInode resolves a ChunkList back into the Inode it references.
	ReadInode(ref bundle.ChunkList) (*Inode, error)

	// CreateEntry materializes inode at dest during a restore: a directory
	// for Directory inodes, the decoded content for Regular inodes.
	CreateEntry(dest string, inode *Inode) error

	// Flush ensures every bundle written so far is durable.
	Flush() error

	// Info reports cumulative counters, used to derive one backup's
	// incremental contribution to repository storage.
	Info() Info
}
