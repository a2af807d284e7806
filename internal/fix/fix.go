package fix

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	FIELD_BUS_ID     string = "bus_id"
	FIELD_VEHICLE_ID string = "vehicle_id"
	FIELD_LAT        string = "lat"
	FIELD_LNG        string = "lng"
	FIELD_TS         string = "ts"
)

var DefaultIdFields = []string{FIELD_BUS_ID, FIELD_VEHICLE_ID}

var (
	ErrNotObject  = errors.New("fix: payload is not a json object")
	ErrMissingID  = errors.New("fix: missing vehicle id")
	ErrMissingLat = errors.New("fix: missing lat")
	ErrMissingLng = errors.New("fix: missing lng")
)

type field struct {
	key string
	val json.RawMessage
}

// Fix is a single position report. Lat and Lng hold the sender's raw values,
// every other field is carried in sender order and written back unchanged.
// A Fix is immutable once returned by Parser.Parse.
type Fix struct {
	ID  string          `validate:"required"`
	Lat json.RawMessage `validate:"required"`
	Lng json.RawMessage `validate:"required"`
	TS  int64

	fields  []field
	payload []byte
}

// Payload returns the serialized fix. Callers must not modify it.
func (f *Fix) Payload() []byte {
	return f.payload
}

func (f *Fix) MarshalJSON() ([]byte, error) {
	return f.payload, nil
}

// Get returns the raw value of a top level field.
func (f *Fix) Get(key string) (json.RawMessage, bool) {
	for _, fl := range f.fields {
		if fl.key == key {
			return fl.val, true
		}
	}
	return nil, false
}

// Keys returns field names in wire order.
func (f *Fix) Keys() []string {
	keys := make([]string, len(f.fields))
	for i, fl := range f.fields {
		keys[i] = fl.key
	}
	return keys
}

type Parser struct {
	id_fields []string
	vld       *validator.Validate
}

func NewParser(id_fields []string) *Parser {
	p := &Parser{}
	if len(id_fields) == 0 {
		id_fields = DefaultIdFields
	}
	p.id_fields = append([]string(nil), id_fields...)
	p.vld = validator.New()
	return p
}

// Parse decodes a driver message received at tread. The returned error is
// one of the Err* values, possibly wrapping a json syntax error. Invalid
// UTF-8 is replaced with U+FFFD so the payload is always a valid text frame.
func (p *Parser) Parse(data []byte, tread time.Time) (*Fix, error) {
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("\uFFFD"))
	}
	fields, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	f := &Fix{fields: fields}
	for _, name := range p.id_fields {
		v, ok := f.Get(name)
		if ok && truthy(v) {
			f.ID = coerceString(v)
			break
		}
	}
	f.Lat, _ = f.Get(FIELD_LAT)
	f.Lng, _ = f.Get(FIELD_LNG)

	err = p.vld.Struct(f)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].Field() {
			case "ID":
				return nil, ErrMissingID
			case "Lat":
				return nil, ErrMissingLat
			case "Lng":
				return nil, ErrMissingLng
			}
		}
		return nil, err
	}

	f.normalizeTS(tread)
	f.payload, err = encodeObject(f.fields)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fix) normalizeTS(tread time.Time) {
	for i := range f.fields {
		if f.fields[i].key != FIELD_TS {
			continue
		}
		if truthy(f.fields[i].val) {
			f.TS = parseMillis(f.fields[i].val)
			return
		}
		f.TS = tread.UnixMilli()
		f.fields[i].val = strconv.AppendInt(nil, f.TS, 10)
		return
	}
	f.TS = tread.UnixMilli()
	f.fields = append(f.fields, field{key: FIELD_TS, val: strconv.AppendInt(nil, f.TS, 10)})
}

// decodeObject keeps member order. A repeated key keeps its first position
// and its last value.
func decodeObject(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ErrNotObject
	}
	fields := make([]field, 0, 8)
	idx := make(map[string]int)
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, ErrNotObject
		}
		var val json.RawMessage
		err = dec.Decode(&val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		if i, ok := idx[key]; ok {
			fields[i].val = val
			continue
		}
		idx[key] = len(fields)
		fields = append(fields, field{key: key, val: val})
	}
	_, err = dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	_, err = dec.Token()
	if err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrNotObject)
	}
	return fields, nil
}

func encodeObject(fields []field) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	buf.WriteByte('{')
	for i, fl := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		err := enc.Encode(fl.key)
		if err != nil {
			return nil, err
		}
		// Encode terminates with a newline
		buf.Truncate(buf.Len() - 1)
		buf.WriteByte(':')
		err = json.Compact(buf, fl.val)
		if err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
