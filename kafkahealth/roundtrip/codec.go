package roundtrip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linkedin/goavro/v2"
)

// RecordSchema is the Avro schema of a probe record.
const RecordSchema = `{
  "namespace": "pnda.entity",
  "type": "record",
  "name": "event",
  "fields": [
    {"name": "timestamp", "type": "long"},
    {"name": "src", "type": "string"},
    {"name": "host_ip", "type": "string"},
    {"name": "rawdata", "type": "bytes"}
  ]
}`

// Record is one probe message.
type Record struct {
	Timestamp int64 // unix milliseconds
	Src       string
	HostIP    string
	RawData   []byte
}

// Codec encodes and decodes Records in Avro binary form.
type Codec struct {
	codec *goavro.Codec
}

// NewCodec compiles RecordSchema.
func NewCodec() (*Codec, error) {
	c, err := goavro.NewCodec(RecordSchema)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &Codec{codec: c}, nil
}

// Encode returns the Avro binary encoding of r.
func (c *Codec) Encode(r Record) ([]byte, error) {
	native := map[string]any{
		"timestamp": r.Timestamp,
		"src":       r.Src,
		"host_ip":   r.HostIP,
		"rawdata":   r.RawData,
	}
	b, err := c.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// Decode parses one Avro binary record. Trailing bytes are an error.
func (c *Codec) Decode(b []byte) (Record, error) {
	native, rest, err := c.codec.NativeFromBinary(b)
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if len(rest) != 0 {
		return Record{}, fmt.Errorf("decode record: %d trailing bytes", len(rest))
	}
	m, ok := native.(map[string]any)
	if !ok {
		return Record{}, fmt.Errorf("decode record: unexpected %T", native)
	}

	var r Record
	if r.Timestamp, ok = m["timestamp"].(int64); !ok {
		return Record{}, fmt.Errorf("decode record: timestamp is %T", m["timestamp"])
	}
	if r.Src, ok = m["src"].(string); !ok {
		return Record{}, fmt.Errorf("decode record: src is %T", m["src"])
	}
	if r.HostIP, ok = m["host_ip"].(string); !ok {
		return Record{}, fmt.Errorf("decode record: host_ip is %T", m["host_ip"])
	}
	if r.RawData, ok = m["rawdata"].([]byte); !ok {
		return Record{}, fmt.Errorf("decode record: rawdata is %T", m["rawdata"])
	}
	return r, nil
}

// payload formats the correlation marker "<tag>|<seq>".
func payload(tag string, seq int) []byte {
	return []byte(tag + "|" + strconv.Itoa(seq))
}

// parsePayload splits a correlation marker. ok is false for anything that
// is not "<tag>|<non-negative int>".
func parsePayload(raw []byte) (tag string, seq int, ok bool) {
	tag, rawSeq, found := strings.Cut(string(raw), "|")
	if !found || tag == "" {
		return "", 0, false
	}
	seq, err := strconv.Atoi(rawSeq)
	if err != nil || seq < 0 {
		return "", 0, false
	}
	return tag, seq, true
}
