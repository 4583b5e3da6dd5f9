package chunk

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"nats3/internal/domain"
)

// Binary frame, per record: u32 subject length + subject, i64 unix nanos,
// u32 headers length + headers blob (JSON, empty when no headers),
// u32 body length + body. All integers big-endian.

func frameBinary(records []domain.Record) ([]byte, error) {
	var buf []byte
	for _, r := range records {
		var headers []byte
		if len(r.Headers) > 0 {
			var err error
			headers, err = json.Marshal(r.Headers)
			if err != nil {
				return nil, codecErr(BodyDecode, "encode headers: %v", err)
			}
		}
		if len(r.Subject) > maxFieldSize || len(headers) > maxFieldSize || len(r.Body) > maxFieldSize {
			return nil, codecErr(BodyDecode, "record field exceeds %d bytes", maxFieldSize)
		}
		buf = appendBytes(buf, []byte(r.Subject))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp.UnixNano()))
		buf = appendBytes(buf, headers)
		buf = appendBytes(buf, r.Body)
	}
	return buf, nil
}

func unframeBinary(frame []byte) ([]domain.Record, error) {
	var records []domain.Record
	rest := frame
	for len(rest) > 0 {
		var (
			subject, headers, body []byte
			err                    error
		)
		if subject, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
		if len(rest) < 8 {
			return nil, codecErr(Truncated, "record timestamp")
		}
		ns := int64(binary.BigEndian.Uint64(rest[:8]))
		rest = rest[8:]
		if headers, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
		if body, rest, err = readBytes(rest); err != nil {
			return nil, err
		}

		rec := domain.Record{
			Subject:   string(subject),
			Timestamp: time.Unix(0, ns).UTC(),
			Body:      body,
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &rec.Headers); err != nil {
				return nil, codecErr(BodyDecode, "decode headers: %v", err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func appendBytes(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

func readBytes(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, codecErr(Truncated, "field length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if n > maxFieldSize {
		return nil, nil, codecErr(BodyDecode, "field length %d exceeds limit", n)
	}
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, codecErr(Truncated, "field body, want %d have %d", n, len(buf))
	}
	return buf[:n], buf[n:], nil
}

// JSON frame: the whole batch as one array so readers can dispatch on the
// codec tag alone. Body is base64 via encoding/json's []byte handling,
// timestamps are unix nanos.
type jsonRecord struct {
	Subject   string              `json:"subject"`
	Timestamp int64               `json:"timestamp"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body"`
}

func frameJson(records []domain.Record) ([]byte, error) {
	out := make([]jsonRecord, 0, len(records))
	for _, r := range records {
		out = append(out, jsonRecord{
			Subject:   r.Subject,
			Timestamp: r.Timestamp.UnixNano(),
			Headers:   r.Headers,
			Body:      r.Body,
		})
	}
	frame, err := json.Marshal(out)
	if err != nil {
		return nil, codecErr(BodyDecode, "encode records: %v", err)
	}
	return frame, nil
}

func unframeJson(frame []byte) ([]domain.Record, error) {
	var in []jsonRecord
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, codecErr(BodyDecode, "decode records: %v", err)
	}
	records := make([]domain.Record, 0, len(in))
	for _, r := range in {
		records = append(records, domain.Record{
			Subject:   r.Subject,
			Timestamp: time.Unix(0, r.Timestamp).UTC(),
			Headers:   r.Headers,
			Body:      r.Body,
		})
	}
	return records, nil
}
