package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Decode errors. A *DecodeError matches one of these with errors.Is.
var (
	// ErrIncomplete means the buffer is a strict prefix of a valid message.
	ErrIncomplete = errors.New("incomplete payload")
	// ErrCorrupt means no amount of further bytes can make the buffer valid.
	ErrCorrupt = errors.New("corrupt payload")
)

// DecodeError wraps the underlying parser error with its classification.
type DecodeError struct {
	Kind error
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Is(target error) bool { return target == e.Kind }

func (e *DecodeError) Unwrap() error { return e.Err }

func incomplete(err error) error { return &DecodeError{Kind: ErrIncomplete, Err: err} }
func corrupt(err error) error    { return &DecodeError{Kind: ErrCorrupt, Err: err} }

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether buf starts with the gzip magic bytes.
func IsGzip(buf []byte) bool {
	return bytes.HasPrefix(buf, gzipMagic)
}

// CanStartMessage reports whether buf, after leading whitespace, could be the
// beginning of a message: a JSON array or a (partial) gzip header.
func CanStartMessage(buf []byte) bool {
	text := bytes.TrimLeft(buf, " \t\r\n")
	switch {
	case len(text) == 0:
		return false
	case text[0] == '[':
		return true
	case len(text) == 1:
		return text[0] == gzipMagic[0]
	default:
		return IsGzip(text)
	}
}

// Decode decodes the first complete message at the start of buf.
//
// A message is either a single gzip member or a plain JSON array. On success
// Batch.Consumed is the number of leading bytes the message occupied; any bytes
// after it belong to the next message.
func Decode(buf []byte) (*Batch, error) {
	if len(buf) == 1 && buf[0] == gzipMagic[0] {
		return nil, incomplete(errors.New("partial gzip magic"))
	}
	if IsGzip(buf) {
		return decodeGzip(buf)
	}

	text := bytes.TrimLeft(buf, " \t\r\n")
	if len(text) == 0 {
		return nil, incomplete(errors.New("empty buffer"))
	}
	lead := len(buf) - len(text)

	elems, n, err := decodeArray(text)
	if err != nil {
		return nil, err
	}

	batch := decodeRecords(elems)
	batch.Consumed = lead + n
	return batch, nil
}

func decodeGzip(buf []byte) (*Batch, error) {
	br := bytes.NewReader(buf)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, classifyGzip(err)
	}
	zr.Multistream(false)
	defer zr.Close()

	text, err := io.ReadAll(zr)
	if err != nil {
		return nil, classifyGzip(err)
	}
	consumed := len(buf) - br.Len()

	text = bytes.TrimSpace(text)
	if len(text) == 0 {
		return nil, corrupt(errors.New("empty gzip member"))
	}
	elems, n, err := decodeArray(text)
	if err != nil {
		// The gzip member is complete, so the JSON inside it can never grow.
		if errors.Is(err, ErrIncomplete) {
			return nil, corrupt(fmt.Errorf("truncated JSON in gzip member: %w", errors.Unwrap(err)))
		}
		return nil, err
	}
	if n != len(text) {
		return nil, corrupt(errors.New("trailing data in gzip member"))
	}

	batch := decodeRecords(elems)
	batch.Consumed = consumed
	batch.Compressed = true
	return batch, nil
}

// classifyGzip maps truncation to ErrIncomplete. Header, checksum and
// flate.CorruptInputError failures are corrupt.
func classifyGzip(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return incomplete(err)
	}
	return corrupt(err)
}

// decodeArray parses a JSON array at the start of text and returns its raw
// elements and the number of bytes consumed, including trailing whitespace.
func decodeArray(text []byte) ([]json.RawMessage, int, error) {
	if text[0] != '[' {
		return nil, 0, corrupt(fmt.Errorf("expected JSON array, got %q", text[0]))
	}

	dec := json.NewDecoder(bytes.NewReader(text))
	var elems []json.RawMessage
	if err := dec.Decode(&elems); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, 0, incomplete(err)
		}
		return nil, 0, corrupt(err)
	}

	n := int(dec.InputOffset())
	for n < len(text) && isSpace(text[n]) {
		n++
	}
	return elems, n, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

type wireRecord struct {
	Info  *Info  `json:"info"`
	GPS   *GPS   `json:"gps"`
	Crank *Crank `json:"crank"`
}

func decodeRecords(elems []json.RawMessage) *Batch {
	batch := &Batch{Total: len(elems)}
	for i, elem := range elems {
		rec, reason := decodeRecord(i, elem)
		if reason != "" {
			batch.Skipped = append(batch.Skipped, Skip{Index: i, Reason: reason})
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch
}

func decodeRecord(index int, elem json.RawMessage) (Record, string) {
	raw := bytes.TrimSpace(elem)
	if len(raw) > 0 && raw[0] == '"' {
		var line string
		if err := json.Unmarshal(raw, &line); err != nil {
			return Record{}, fmt.Sprintf("invalid string element: %v", err)
		}
		raw = bytes.TrimSpace([]byte(line))
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Record{}, "element is not a JSON object"
	}

	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, fmt.Sprintf("invalid record: %v", err)
	}
	if w.Info == nil || w.GPS == nil {
		return Record{}, "missing info or gps object"
	}
	if w.Info.RideID <= 0 {
		return Record{}, "missing or non-positive ride_id"
	}

	return Record{
		Index: index,
		Info:  *w.Info,
		GPS:   *w.GPS,
		Crank: w.Crank,
		Raw:   json.RawMessage(raw),
	}, ""
}
