// Package backup implements the versioned, optionally-encrypted snapshot
// file format: the Backup record referencing a chunk-DAG root plus
// aggregated statistics, and its on-disk codec.
package backup

import "github.com/josejamilena/zvault/pkg/bundle"

// Backup is a named, dated reference to a chunk-DAG root plus the
// statistics accumulated while building it. Field numbers are part of the
// on-disk contract and must never be renumbered.
type Backup struct {
	Root                 bundle.ChunkList `msgpack:"0"`
	TotalDataSize        uint64           `msgpack:"1"`
	ChangedDataSize      uint64           `msgpack:"2"`
	DeduplicatedDataSize uint64           `msgpack:"3"`
	EncodedDataSize      uint64           `msgpack:"4"`
	BundleCount          uint64           `msgpack:"5"`
	ChunkCount           uint64           `msgpack:"6"`
	AvgChunkSize         float64          `msgpack:"7"`
	FileCount            uint64           `msgpack:"8"`
	DirCount             uint64           `msgpack:"9"`
	// Date is a Unix timestamp in seconds.
	Date     int64   `msgpack:"10"`
	Duration float64 `msgpack:"11"`
	Host     string  `msgpack:"12"`
	Path     string  `msgpack:"13"`
}
