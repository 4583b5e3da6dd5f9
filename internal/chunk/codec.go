// Package chunk implements the self-describing object payload written to
// the object store: a fixed header followed by a zstd-compressed frame of
// records.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"nats3/internal/domain"
)

const (
	Magic   = "NS3\x00"
	Version = 1

	// HeaderSize is magic(4) + version(2) + codec(1) + reserved(1) +
	// record count(8) + uncompressed length(8) + sha256(32).
	HeaderSize = 56

	tagJson   byte = 1
	tagBinary byte = 2

	// MaxUncompressedSize rejects payloads claiming an absurd size before
	// any allocation happens.
	MaxUncompressedSize = 1 << 31
	maxFieldSize        = 64 << 20
	maxRecordCount      = 1 << 26
)

type ErrorKind int

const (
	Truncated ErrorKind = iota
	UnknownVersion
	UnknownCodec
	HashMismatch
	BodyDecode
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "Truncated"
	case UnknownVersion:
		return "UnknownVersion"
	case UnknownCodec:
		return "UnknownCodec"
	case HashMismatch:
		return "HashMismatch"
	case BodyDecode:
		return "BodyDecode"
	default:
		return "Unknown"
	}
}

type CodecError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CodecError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("chunk codec: %s", e.Kind)
	}
	return fmt.Sprintf("chunk codec: %s: %s", e.Kind, e.Msg)
}

func codecErr(kind ErrorKind, format string, args ...any) error {
	return &CodecError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

type Header struct {
	Version          uint16
	Codec            domain.Codec
	RecordCount      uint64
	UncompressedSize uint64
	Hash             [sha256.Size]byte
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxUncompressedSize))
}

// Encode frames the records with the given codec, compresses the frame,
// and prepends the header. The returned hash is the sha256 of the
// uncompressed frame, also embedded in the header.
func Encode(records []domain.Record, codec domain.Codec) (data []byte, hash [sha256.Size]byte, uncompressed int, err error) {
	var frame []byte
	switch codec {
	case domain.CodecJson:
		frame, err = frameJson(records)
	case domain.CodecBinary:
		frame, err = frameBinary(records)
	default:
		return nil, hash, 0, codecErr(UnknownCodec, "%q", codec)
	}
	if err != nil {
		return nil, hash, 0, err
	}

	hash = sha256.Sum256(frame)
	compressed := encoder.EncodeAll(frame, make([]byte, 0, len(frame)/2+64))

	buf := make([]byte, HeaderSize, HeaderSize+len(compressed))
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	buf[6] = codecTag(codec)
	buf[7] = 0
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(records)))
	binary.BigEndian.PutUint64(buf[16:24], uint64(len(frame)))
	copy(buf[24:56], hash[:])
	buf = append(buf, compressed...)

	return buf, hash, len(frame), nil
}

// Decode parses a chunk payload back into its header and records. It
// verifies the magic, version, codec tag, uncompressed size and content
// hash before touching the record frame.
func Decode(data []byte) (Header, []domain.Record, error) {
	var hdr Header
	if len(data) < HeaderSize {
		return hdr, nil, codecErr(Truncated, "payload %d bytes, header needs %d", len(data), HeaderSize)
	}
	if !bytes.Equal(data[0:4], []byte(Magic)) {
		return hdr, nil, codecErr(BodyDecode, "bad magic %q", data[0:4])
	}
	hdr.Version = binary.BigEndian.Uint16(data[4:6])
	if hdr.Version != Version {
		return hdr, nil, codecErr(UnknownVersion, "%d", hdr.Version)
	}
	switch data[6] {
	case tagJson:
		hdr.Codec = domain.CodecJson
	case tagBinary:
		hdr.Codec = domain.CodecBinary
	default:
		return hdr, nil, codecErr(UnknownCodec, "tag %d", data[6])
	}
	hdr.RecordCount = binary.BigEndian.Uint64(data[8:16])
	hdr.UncompressedSize = binary.BigEndian.Uint64(data[16:24])
	copy(hdr.Hash[:], data[24:56])

	if hdr.RecordCount > maxRecordCount {
		return hdr, nil, codecErr(BodyDecode, "record count %d exceeds limit", hdr.RecordCount)
	}
	if hdr.UncompressedSize > MaxUncompressedSize {
		return hdr, nil, codecErr(BodyDecode, "uncompressed size %d exceeds limit", hdr.UncompressedSize)
	}

	frame, err := decoder.DecodeAll(data[HeaderSize:], make([]byte, 0, hdr.UncompressedSize))
	if err != nil {
		return hdr, nil, codecErr(Truncated, "decompress: %v", err)
	}
	if uint64(len(frame)) != hdr.UncompressedSize {
		return hdr, nil, codecErr(Truncated, "frame %d bytes, header says %d", len(frame), hdr.UncompressedSize)
	}
	if sha256.Sum256(frame) != hdr.Hash {
		return hdr, nil, codecErr(HashMismatch, "content hash does not match header")
	}

	var records []domain.Record
	switch hdr.Codec {
	case domain.CodecJson:
		records, err = unframeJson(frame)
	case domain.CodecBinary:
		records, err = unframeBinary(frame)
	}
	if err != nil {
		return hdr, nil, err
	}
	if uint64(len(records)) != hdr.RecordCount {
		return hdr, nil, codecErr(BodyDecode, "decoded %d records, header says %d", len(records), hdr.RecordCount)
	}
	return hdr, records, nil
}

func codecTag(c domain.Codec) byte {
	if c == domain.CodecJson {
		return tagJson
	}
	return tagBinary
}

// Bounds computes the record span of a batch: min timestamp, max
// timestamp and total body bytes.
func Bounds(records []domain.Record) (start, end time.Time, bytesTotal int64) {
	for i, r := range records {
		if i == 0 || r.Timestamp.Before(start) {
			start = r.Timestamp
		}
		if i == 0 || r.Timestamp.After(end) {
			end = r.Timestamp
		}
		bytesTotal += int64(len(r.Body))
	}
	return start, end, bytesTotal
}
