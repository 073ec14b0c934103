package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	"bulkload/internal/record"
)

// jsonReader pulls records out of a JSON document one object at a time.
//
// Accepted shapes:
//   - a root array of objects (null elements are skipped)
//   - an envelope object: the first field holding an array of objects is
//     streamed and the other fields are ignored
//   - a single object, which is one record
//   - JSON Lines: objects one after another, also after any of the above
//
// For .jsonl and .ndjson files every root object is a record; envelope
// detection is off.
//
// Nested objects flatten to "parent.child". Arrays of scalars are joined
// with Options.ArraySeparator; any other array is kept as compact JSON.
// Numbers keep their literal text.
type jsonReader struct {
	fs   afero.Fs
	file SourceFile
	opts Options
}

func (r *jsonReader) Partitions(context.Context) ([]string, error) {
	return []string{DefaultPartition}, nil
}

func (r *jsonReader) ReadChunks(ctx context.Context, partition string, chunkRows int) (ChunkIter, error) {
	if err := checkPartition([]string{DefaultPartition}, partition); err != nil {
		return nil, err
	}
	raw, closer, err := openStream(r.fs, r.file)
	if err != nil {
		return nil, err
	}
	text, err := decodeText(raw, r.opts.Encoding)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	dec := json.NewDecoder(text)
	dec.UseNumber()

	sep := strings.TrimSpace(r.opts.ArraySeparator)
	if sep == "" {
		sep = ","
	}
	return &jsonIter{
		dec:    dec,
		closer: closer,
		chunk:  chunkRows,
		sep:    sep,
		lines:  r.file.Ext == ".jsonl" || r.file.Ext == ".ndjson",
	}, nil
}

type jsonState int

const (
	jsonStart jsonState = iota
	jsonInArray
	jsonInEnvelope
	jsonTrailing
	jsonDone
)

type jsonIter struct {
	dec     *json.Decoder
	closer  io.Closer
	chunk   int
	sep     string
	lines   bool
	state   jsonState
	pending []*flatRecord
}

// flatRecord is one flattened object with its keys in document order.
type flatRecord struct {
	keys []string
	vals map[string]record.Value
}

func newFlatRecord() *flatRecord {
	return &flatRecord{vals: map[string]record.Value{}}
}

func (f *flatRecord) set(k string, v record.Value) {
	if _, ok := f.vals[k]; !ok {
		f.keys = append(f.keys, k)
	}
	f.vals[k] = v
}

func (it *jsonIter) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	var recs []*flatRecord
	for it.chunk <= 0 || len(recs) < it.chunk {
		rec, err := it.nextRecord()
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.EOF) {
			return Batch{}, fmt.Errorf("json: document ends early (%v): %w", err, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return Batch{}, err
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return Batch{}, io.EOF
	}
	return buildJSONBatch(recs), nil
}

func (it *jsonIter) Close() error { return it.closer.Close() }

func buildJSONBatch(recs []*flatRecord) Batch {
	b := Batch{Partition: DefaultPartition}
	index := map[string]int{}
	for _, r := range recs {
		for _, k := range r.keys {
			if _, ok := index[k]; !ok {
				index[k] = len(b.Columns)
				b.Columns = append(b.Columns, k)
			}
		}
	}
	b.Rows = make([]record.Row, len(recs))
	for i, r := range recs {
		row := make(record.Row, len(b.Columns))
		for k, v := range r.vals {
			row[index[k]] = v
		}
		b.Rows[i] = row
	}
	return b
}

func (it *jsonIter) nextRecord() (*flatRecord, error) {
	if len(it.pending) > 0 {
		rec := it.pending[0]
		it.pending = it.pending[1:]
		return rec, nil
	}

	for {
		switch it.state {
		case jsonDone:
			return nil, io.EOF

		case jsonStart:
			tok, err := it.dec.Token()
			if err == io.EOF {
				it.state = jsonDone
				return nil, io.EOF
			}
			if err != nil {
				return nil, fmt.Errorf("json: read first token: %w", err)
			}
			switch tok {
			case json.Delim('['):
				it.state = jsonInArray
			case json.Delim('{'):
				if it.lines {
					it.state = jsonTrailing
					return it.readObject()
				}
				rec, err := it.rootObject()
				if err != nil {
					return nil, err
				}
				if rec != nil {
					return rec, nil
				}
				if len(it.pending) > 0 {
					rec = it.pending[0]
					it.pending = it.pending[1:]
					return rec, nil
				}
			default:
				return nil, fmt.Errorf("json: unsupported root token %v (want object or array)", tok)
			}

		case jsonInArray, jsonInEnvelope:
			if it.dec.More() {
				tok, err := it.dec.Token()
				if err != nil {
					return nil, fmt.Errorf("json: read array element: %w", err)
				}
				switch tok {
				case nil:
					continue
				case json.Delim('{'):
					return it.readObject()
				default:
					return nil, fmt.Errorf("json: array element not an object (got %v)", tok)
				}
			}
			if err := expectDelim(it.dec, ']'); err != nil {
				return nil, err
			}
			if it.state == jsonInEnvelope {
				if err := skipRemainingFields(it.dec); err != nil {
					return nil, err
				}
			}
			it.state = jsonTrailing

		case jsonTrailing:
			if !it.dec.More() {
				it.state = jsonDone
				return nil, io.EOF
			}
			tok, err := it.dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read trailing object: %w", err)
			}
			if tok != json.Delim('{') {
				return nil, fmt.Errorf("json: trailing value not an object (got %v)", tok)
			}
			return it.readObject()
		}
	}
}

// rootObject scans a root object whose '{' has been consumed. When a field
// holds an array of objects it switches to envelope streaming and returns
// (nil, nil); otherwise it returns the object as one record.
func (it *jsonIter) rootObject() (*flatRecord, error) {
	single := newFlatRecord()
	for it.dec.More() {
		key, err := readKey(it.dec)
		if err != nil {
			return nil, err
		}
		tok, err := it.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read value of %q: %w", key, err)
		}
		if tok != json.Delim('[') {
			if err := it.flattenValue(key, tok, single); err != nil {
				return nil, err
			}
			continue
		}

		if !it.dec.More() {
			// Empty array: nothing to stream, nothing to record.
			if err := expectDelim(it.dec, ']'); err != nil {
				return nil, err
			}
			if err := skipRemainingFields(it.dec); err != nil {
				return nil, err
			}
			it.state = jsonTrailing
			return nil, nil
		}

		first, err := it.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read first element of %q: %w", key, err)
		}
		if first == json.Delim('{') {
			rec, err := it.readObject()
			if err != nil {
				return nil, err
			}
			it.state = jsonInEnvelope
			it.pending = append(it.pending, rec)
			return nil, nil
		}

		// A scalar or nested array: this is a plain field of a single record.
		items := []any{}
		v, err := materializeValue(it.dec, first)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		rest, err := materializeArrayTail(it.dec)
		if err != nil {
			return nil, err
		}
		single.set(key, it.arrayValue(append(items, rest...)))
	}
	if err := expectDelim(it.dec, '}'); err != nil {
		return nil, err
	}
	it.state = jsonTrailing
	return single, nil
}

// readObject reads one object whose '{' has been consumed.
func (it *jsonIter) readObject() (*flatRecord, error) {
	rec := newFlatRecord()
	if err := it.readFields("", rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (it *jsonIter) readFields(prefix string, rec *flatRecord) error {
	for it.dec.More() {
		key, err := readKey(it.dec)
		if err != nil {
			return err
		}
		tok, err := it.dec.Token()
		if err != nil {
			return fmt.Errorf("json: read value of %q: %w", key, err)
		}
		if err := it.flattenValue(prefix+key, tok, rec); err != nil {
			return err
		}
	}
	return expectDelim(it.dec, '}')
}

func (it *jsonIter) flattenValue(key string, tok json.Token, rec *flatRecord) error {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return it.readFields(key+".", rec)
		case '[':
			items, err := materializeArrayTail(it.dec)
			if err != nil {
				return err
			}
			rec.set(key, it.arrayValue(items))
			return nil
		}
		return fmt.Errorf("json: unexpected delimiter %q", t)
	default:
		rec.set(key, scalarValue(tok))
		return nil
	}
}

// arrayValue joins scalar arrays with the separator; mixed or nested arrays
// are kept as compact JSON.
func (it *jsonIter) arrayValue(items []any) record.Value {
	parts := make([]string, 0, len(items))
	for _, v := range items {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			parts = append(parts, t)
		case json.Number:
			parts = append(parts, t.String())
		case bool:
			parts = append(parts, fmt.Sprint(t))
		default:
			b, err := json.Marshal(items)
			if err != nil {
				return record.Null
			}
			return record.Text(string(b))
		}
	}
	return record.Text(strings.Join(parts, it.sep))
}

func scalarValue(tok json.Token) record.Value {
	switch t := tok.(type) {
	case nil:
		return record.Null
	case string:
		return record.Text(t)
	case json.Number:
		return record.Text(t.String())
	case bool:
		if t {
			return record.Text("true")
		}
		return record.Text("false")
	}
	return record.Text(fmt.Sprint(tok))
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("json: read object key: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("json: object key not a string (got %T)", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

// skipRemainingFields skips the rest of an object, including its closing '}'.
func skipRemainingFields(dec *json.Decoder) error {
	for dec.More() {
		if _, err := readKey(dec); err != nil {
			return err
		}
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("json: skip value: %w", err)
		}
		if _, err := materializeValue(dec, tok); err != nil {
			return err
		}
	}
	return expectDelim(dec, '}')
}

// materializeArrayTail reads the remaining elements of an array whose '['
// (and possibly some elements) have been consumed, including the ']'.
func materializeArrayTail(dec *json.Decoder) ([]any, error) {
	var out []any
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read array value: %w", err)
		}
		v, err := materializeValue(dec, tok)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return out, nil
}

// materializeValue builds a Go value for the current JSON value given its
// first token.
func materializeValue(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		m := map[string]any{}
		for dec.More() {
			k, err := readKey(dec)
			if err != nil {
				return nil, err
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested value: %w", err)
			}
			v, err := materializeValue(dec, vt)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		return m, nil
	case '[':
		return materializeArrayTail(dec)
	}
	return nil, fmt.Errorf("json: unexpected delimiter %q", d)
}
