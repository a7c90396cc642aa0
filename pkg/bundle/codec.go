package bundle

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"github.com/josejamilena/zvault/pkg/compress"
	"github.com/josejamilena/zvault/pkg/crypto"
)

// magic identifies a zvault bundle file. The trailing byte is part of the
// fixed magic, not a version field - see formatVersion below.
const magic = "zvault\x01"

// formatVersion is the only framing version this package knows how to
// decode: magic, then version byte, then a msgpack-encoded Info header, then
// a msgpack-encoded ChunkTable, then the (optionally compressed and
// encrypted) concatenated raw chunk bytes.
const formatVersion = 1

// Writer accumulates chunks and seals them into a single bundle file.
type Writer struct {
	mode        Mode
	compression compress.Method
	envelope    *crypto.Envelope
	crypter     *crypto.Crypto

	raw   bytes.Buffer
	table ChunkTable
}

// NewWriter creates a Writer for a bundle of the given mode. envelope may be
// nil, in which case the bundle is stored unencrypted and crypter is unused.
func NewWriter(mode Mode, compression compress.Method, envelope *crypto.Envelope, crypter *crypto.Crypto) *Writer {
	return &Writer{mode: mode, compression: compression, envelope: envelope, crypter: crypter}
}

// AddChunk appends a chunk's raw content to the bundle and returns its
// index, for use in a ChunkRef.
func (w *Writer) AddChunk(data []byte) int {
	index := len(w.table)
	sum := blake3.Sum256(data)
	w.table = append(w.table, ChunkTableEntry{Hash: ID(sum), Size: uint32(len(data))})
	w.raw.Write(data)
	return index
}

// Finalize compresses and (optionally) encrypts the accumulated chunk data,
// and returns both the encoded bundle bytes and the Info that describes it.
// The Writer must not be reused afterward.
func (w *Writer) Finalize() ([]byte, Info, error) {
	rawBytes := w.raw.Bytes()
	id := idOf(rawBytes)

	var compressed bytes.Buffer
	cw, err := compress.Compress(&compressed, w.compression)
	if err != nil {
		return nil, Info{}, errors.Wrap(err, "create compressor")
	}
	if _, err := cw.Write(rawBytes); err != nil {
		return nil, Info{}, errors.Wrap(err, "compress bundle data")
	}
	if err := cw.Close(); err != nil {
		return nil, Info{}, errors.Wrap(err, "flush compressor")
	}

	encoded := compressed.Bytes()
	if w.envelope != nil {
		sealed, err := w.crypter.Encrypt(*w.envelope, encoded)
		if err != nil {
			return nil, Info{}, errors.Wrap(err, "encrypt bundle data")
		}
		encoded = sealed
	}

	info := Info{
		ID:          id,
		Mode:        w.mode,
		HashMethod:  Blake3,
		Compression: w.compression,
		Encryption:  w.envelope,
		ChunkCount:  len(w.table),
		EncodedSize: uint64(len(encoded)),
		RawSize:     uint64(len(rawBytes)),
	}

	var out bytes.Buffer
	out.WriteString(magic)
	out.WriteByte(formatVersion)
	enc := msgpack.NewEncoder(&out)
	if err := enc.Encode(&info); err != nil {
		return nil, Info{}, errors.Wrap(err, "encode bundle header")
	}
	if err := enc.Encode(w.table); err != nil {
		return nil, Info{}, errors.Wrap(err, "encode chunk table")
	}
	out.Write(encoded)

	return out.Bytes(), info, nil
}

// Reader gives random access to the chunks of a previously sealed bundle.
type Reader struct {
	info   Info
	table  ChunkTable
	chunks [][]byte
}

// readHeader validates the magic and version and decodes the Info header
// and chunk table out of raw, returning both plus whatever of raw follows
// them: the (still compressed/encrypted) data section.
//
// raw must be read into memory in full before calling this, rather than
// decoding straight off the original io.Reader: msgpack.NewDecoder wraps
// any reader that isn't an io.ByteScanner (an *os.File, notably) in its own
// bufio.Reader, which reads ahead past the chunk table and into the data
// section. A later io.ReadAll of the original reader would then pick up
// past wherever that internal buffer stopped, not where the chunk table
// actually ended. Decoding from a bytes.Reader - which is a ByteScanner -
// sidesteps the read-ahead entirely.
func readHeader(raw []byte) (Info, ChunkTable, []byte, error) {
	if len(raw) < len(magic)+1 {
		return Info{}, nil, nil, &WrongHeaderError{}
	}
	if string(raw[:len(magic)]) != magic {
		return Info{}, nil, nil, &WrongHeaderError{}
	}
	version := raw[len(magic)]
	if version != formatVersion {
		return Info{}, nil, nil, &WrongVersionError{Version: version}
	}

	br := bytes.NewReader(raw[len(magic)+1:])
	dec := msgpack.NewDecoder(br)
	var info Info
	if err := dec.Decode(&info); err != nil {
		return Info{}, nil, nil, errors.Wrap(err, "decode bundle header")
	}
	var table ChunkTable
	if err := dec.Decode(&table); err != nil {
		return Info{}, nil, nil, errors.Wrap(err, "decode chunk table")
	}

	rest := raw[len(raw)-br.Len():]
	return info, table, rest, nil
}

// ReadInfo reads just the Info header of a bundle, without decompressing or
// decrypting its data section. Used by BundleDb when reconciling its
// in-memory listing against the bundle directories on disk, where opening
// every bundle's full data section would be needlessly expensive.
func ReadInfo(r io.Reader) (Info, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Info{}, errors.Wrap(err, "read bundle")
	}
	info, _, _, err := readHeader(raw)
	return info, err
}

// OpenReader reads and fully decodes a bundle from r. crypter is consulted
// only if the bundle's Info reports an Encryption envelope.
func OpenReader(r io.Reader, crypter *crypto.Crypto) (*Reader, error) {
	fileBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read bundle")
	}
	info, table, encoded, err := readHeader(fileBytes)
	if err != nil {
		return nil, err
	}

	if info.Encryption != nil {
		if crypter == nil {
			return nil, errors.New("bundle: encrypted bundle requires a keyring")
		}
		plain, err := crypter.Decrypt(*info.Encryption, encoded)
		if err != nil {
			return nil, errors.Wrap(err, "decrypt bundle data")
		}
		encoded = plain
	}

	dr, err := compress.Decompress(bytes.NewReader(encoded), info.Compression)
	if err != nil {
		return nil, errors.Wrap(err, "create decompressor")
	}
	defer dr.Close()
	raw, err := io.ReadAll(dr)
	if err != nil {
		return nil, errors.Wrap(err, "decompress bundle data")
	}

	chunks := make([][]byte, len(table))
	offset := 0
	for i, entry := range table {
		end := offset + int(entry.Size)
		if end > len(raw) {
			return nil, errors.Errorf("bundle: chunk table overruns data section at index %d", i)
		}
		chunks[i] = raw[offset:end]
		offset = end
	}

	return &Reader{info: info, table: table, chunks: chunks}, nil
}

// Info returns the bundle's descriptor.
func (r *Reader) Info() Info { return r.info }

// ChunkCount returns the number of chunks stored in the bundle.
func (r *Reader) ChunkCount() int { return len(r.chunks) }

// GetChunkList returns the bundle's internal chunk table.
func (r *Reader) GetChunkList() ChunkTable { return r.table }

// Chunk returns the raw content of the chunk at index.
func (r *Reader) Chunk(index int) ([]byte, error) {
	if index < 0 || index >= len(r.chunks) {
		return nil, &ChunkNotFoundError{Index: index}
	}
	return r.chunks[index], nil
}

// Check recomputes every chunk's hash and compares it against the chunk
// table, returning the first mismatch found.
func (r *Reader) Check() error {
	for i, entry := range r.chunks {
		sum := blake3.Sum256(entry)
		if ID(sum) != r.table[i].Hash {
			return &IntegrityError{Index: i}
		}
	}
	return nil
}
