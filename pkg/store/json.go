package store

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// generatedAtLayout is the exact wall-clock format index.json stamps into
// global.generated_at, chosen so that a device with no working clock can
// still order two snapshots by parsing it (spec section 4.1); the string
// itself does not sort lexically in time order.
const generatedAtLayout = "Mon Jan 02 15:04:05 UTC 2006"

// decodeObject parses raw JSON bytes into a generic tree with json.Number
// preserved (so integers round-trip without turning into "1.0"), and
// requires the top-level value to be a JSON object.
func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errNotAnObject
	}
	return obj, nil
}

// marshalStable re-serialises v (itself produced by a plain json.Marshal, so
// that json.Number is not yet in play) with sorted keys, two-space
// indentation, and comma/colon separators that include a trailing space --
// the exact shape spec section 4.1 requires to keep catalog writes
// byte-stable across runs that don't semantically change anything.
func marshalStable(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	generic, err := decodeAny(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	encodeStable(generic, &buf, 0)
	return buf.Bytes(), nil
}

func decodeAny(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeStable(v interface{}, buf *bytes.Buffer, indent int) {
	switch val := v.(type) {
	case map[string]interface{}:
		encodeObject(val, buf, indent)
	case []interface{}:
		encodeArray(val, buf, indent)
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, _ := json.Marshal(val)
		buf.Write(b)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	default:
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}

func encodeObject(val map[string]interface{}, buf *bytes.Buffer, indent int) {
	if len(val) == 0 {
		buf.WriteString("{}")
		return
	}
	keys := make([]string, 0, len(val))
	for k := range val {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteString("{\n")
	for i, k := range keys {
		buf.WriteString(strings.Repeat("  ", indent+1))
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteString(": ")
		encodeStable(val[k], buf, indent+1)
		writeItemSep(buf, i == len(keys)-1)
	}
	buf.WriteString(strings.Repeat("  ", indent))
	buf.WriteString("}")
}

func encodeArray(val []interface{}, buf *bytes.Buffer, indent int) {
	if len(val) == 0 {
		buf.WriteString("[]")
		return
	}
	buf.WriteString("[\n")
	for i, item := range val {
		buf.WriteString(strings.Repeat("  ", indent+1))
		encodeStable(item, buf, indent+1)
		writeItemSep(buf, i == len(val)-1)
	}
	buf.WriteString(strings.Repeat("  ", indent))
	buf.WriteString("]")
}

func writeItemSep(buf *bytes.Buffer, last bool) {
	if last {
		buf.WriteString("\n")
		return
	}
	buf.WriteString(", \n")
}
