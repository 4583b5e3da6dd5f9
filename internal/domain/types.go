package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxBytes int64 = 1_000_000
	DefaultMaxCount int64 = 1000
	// DefaultMaxAge bounds how long a partial batch may sit in memory
	// before it is flushed regardless of size.
	DefaultMaxAge = 10 * time.Second
)

type JobKind string

const (
	KindStore JobKind = "store"
	KindLoad  JobKind = "load"
)

type Status string

const (
	StatusCreated Status = "Created"
	StatusRunning Status = "Running"
	StatusPaused  Status = "Paused"
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// CanTransition encodes the job lifecycle state machine. Illegal
// transitions are rejected by the catalog, not silently ignored.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusRunning:
		return from == StatusCreated || from == StatusPaused || from == StatusRunning
	case StatusPaused:
		return from == StatusRunning || from == StatusPaused
	case StatusSuccess:
		return from == StatusRunning
	case StatusFailure:
		return from == StatusCreated || from == StatusRunning
	default:
		return false
	}
}

// TransitionSources lists every status a job may hold immediately before
// moving to the given status. The catalog folds this into the UPDATE's
// WHERE clause.
func TransitionSources(to Status) []Status {
	all := []Status{StatusCreated, StatusRunning, StatusPaused, StatusSuccess, StatusFailure}
	var out []Status
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type Codec string

const (
	CodecJson   Codec = "Json"
	CodecBinary Codec = "Binary"
)

var ErrInvalidCodec = errors.New("invalid codec, valid options: Json, Binary")

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "json":
		return CodecJson, nil
	case "binary", "bin":
		return CodecBinary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCodec, s)
	}
}

func (c Codec) Extension() string {
	if c == CodecJson {
		return "json"
	}
	return "bin"
}

func (c *Codec) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseCodec(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Duration serializes as {"secs": s, "nanos": n}.
type Duration struct {
	time.Duration
}

type durationWire struct {
	Secs  int64 `json:"secs"`
	Nanos int64 `json:"nanos"`
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(durationWire{
		Secs:  int64(d.Duration / time.Second),
		Nanos: int64(d.Duration % time.Second),
	})
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var w durationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Secs < 0 || w.Nanos < 0 {
		return errors.New("duration must not be negative")
	}
	d.Duration = time.Duration(w.Secs)*time.Second + time.Duration(w.Nanos)
	return nil
}

type Batch struct {
	MaxBytes int64     `json:"max_bytes"`
	MaxCount int64     `json:"max_count"`
	MaxAge   *Duration `json:"max_age,omitempty"`
}

func (b Batch) WithDefaults() Batch {
	if b.MaxBytes <= 0 {
		b.MaxBytes = DefaultMaxBytes
	}
	if b.MaxCount <= 0 {
		b.MaxCount = DefaultMaxCount
	}
	if b.MaxAge == nil || b.MaxAge.Duration <= 0 {
		b.MaxAge = &Duration{Duration: DefaultMaxAge}
	}
	return b
}

// Age returns the effective flush age for the batch policy.
func (b Batch) Age() time.Duration {
	if b.MaxAge == nil || b.MaxAge.Duration <= 0 {
		return DefaultMaxAge
	}
	return b.MaxAge.Duration
}

type Encoding struct {
	Codec Codec `json:"codec"`
}

func (e Encoding) WithDefaults() Encoding {
	if e.Codec == "" {
		e.Codec = CodecBinary
	}
	return e
}

// Record is one bus message captured into (or replayed out of) a chunk.
type Record struct {
	Subject   string              `json:"subject"`
	Timestamp time.Time           `json:"timestamp"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body"`
}

type StoreJob struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Stream   string    `json:"stream"`
	Consumer string    `json:"consumer,omitempty"`
	Subject  string    `json:"subject"`
	Bucket   string    `json:"bucket"`
	Prefix   string    `json:"prefix,omitempty"`
	Batch    Batch     `json:"batch"`
	Encoding Encoding  `json:"encoding"`
	Reason   string    `json:"reason,omitempty"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
}

type LoadJob struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	Bucket       string     `json:"bucket"`
	Prefix       string     `json:"prefix,omitempty"`
	Stream       string     `json:"read_stream"`
	Subject      string     `json:"read_subject"`
	Consumer     string     `json:"read_consumer,omitempty"`
	WriteSubject string     `json:"write_subject"`
	PollInterval *Duration  `json:"poll_interval,omitempty"`
	DeleteChunks bool       `json:"delete_chunks"`
	FromTime     *time.Time `json:"from_time,omitempty"`
	ToTime       *time.Time `json:"to_time,omitempty"`
	CursorSeq    int64      `json:"cursor_seq"`
	Reason       string     `json:"reason,omitempty"`
	Created      time.Time  `json:"created"`
	Updated      time.Time  `json:"updated"`
}

func (j StoreJob) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(j.Stream) == "" {
		return errors.New("stream is required")
	}
	if strings.TrimSpace(j.Subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(j.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if j.Batch.MaxBytes <= 0 || j.Batch.MaxCount <= 0 {
		return errors.New("batch max_bytes and max_count must be positive")
	}
	if j.Encoding.Codec != CodecJson && j.Encoding.Codec != CodecBinary {
		return ErrInvalidCodec
	}
	return nil
}

func (j LoadJob) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(j.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(j.Stream) == "" {
		return errors.New("read_stream is required")
	}
	if strings.TrimSpace(j.Subject) == "" {
		return errors.New("read_subject is required")
	}
	if strings.TrimSpace(j.WriteSubject) == "" {
		return errors.New("write_subject is required")
	}
	if j.FromTime != nil && j.ToTime != nil && j.ToTime.Before(*j.FromTime) {
		return errors.New("to_time must not precede from_time")
	}
	return nil
}
