package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// ValueType enumerates the attribute value types of the OTLP schema.
type ValueType uint8

const (
	ValueTypeString ValueType = iota
	ValueTypeInt
	ValueTypeFloat
	ValueTypeBool
	ValueTypeBytes
	ValueTypeArray
	ValueTypeMap
)

// AttrValue is a typed attribute value matching OTLP semantics.
// Exactly one payload field is meaningful, selected by Type.
type AttrValue struct {
	Type  ValueType            `msgpack:"t" json:"-"`
	Str   string               `msgpack:"s,omitempty" json:"-"`
	Int   int64                `msgpack:"i,omitempty" json:"-"`
	Float float64              `msgpack:"f,omitempty" json:"-"`
	Bool  bool                 `msgpack:"b,omitempty" json:"-"`
	Bytes []byte               `msgpack:"y,omitempty" json:"-"`
	Array []AttrValue          `msgpack:"a,omitempty" json:"-"`
	Map   map[string]AttrValue `msgpack:"m,omitempty" json:"-"`
}

// Attributes is a keyed set of typed attribute values.
type Attributes map[string]AttrValue

func StringValue(s string) AttrValue  { return AttrValue{Type: ValueTypeString, Str: s} }
func IntValue(i int64) AttrValue     { return AttrValue{Type: ValueTypeInt, Int: i} }
func FloatValue(f float64) AttrValue { return AttrValue{Type: ValueTypeFloat, Float: f} }
func BoolValue(b bool) AttrValue     { return AttrValue{Type: ValueTypeBool, Bool: b} }

// AttrValueFromProto converts an OTLP AnyValue. Values outside the OTLP schema
// return ErrUnsupportedAttrType.
func AttrValueFromProto(v *commonpb.AnyValue) (AttrValue, error) {
	if v == nil {
		return AttrValue{}, fmt.Errorf("nil value: %w", ErrUnsupportedAttrType)
	}
	switch val := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return StringValue(val.StringValue), nil
	case *commonpb.AnyValue_IntValue:
		return IntValue(val.IntValue), nil
	case *commonpb.AnyValue_DoubleValue:
		return FloatValue(val.DoubleValue), nil
	case *commonpb.AnyValue_BoolValue:
		return BoolValue(val.BoolValue), nil
	case *commonpb.AnyValue_BytesValue:
		return AttrValue{Type: ValueTypeBytes, Bytes: val.BytesValue}, nil
	case *commonpb.AnyValue_ArrayValue:
		arr := make([]AttrValue, 0, len(val.ArrayValue.GetValues()))
		for _, el := range val.ArrayValue.GetValues() {
			converted, err := AttrValueFromProto(el)
			if err != nil {
				return AttrValue{}, err
			}
			arr = append(arr, converted)
		}
		return AttrValue{Type: ValueTypeArray, Array: arr}, nil
	case *commonpb.AnyValue_KvlistValue:
		m := make(map[string]AttrValue, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			converted, err := AttrValueFromProto(kv.Value)
			if err != nil {
				return AttrValue{}, err
			}
			m[kv.Key] = converted
		}
		return AttrValue{Type: ValueTypeMap, Map: m}, nil
	default:
		return AttrValue{}, fmt.Errorf("value type %T: %w", v.Value, ErrUnsupportedAttrType)
	}
}

// AttributesFromProto converts an OTLP KeyValue list. Attributes whose value
// cannot be represented are dropped; the number of dropped attributes is
// returned so callers can surface it as a counter.
func AttributesFromProto(kvs []*commonpb.KeyValue) (Attributes, int) {
	if len(kvs) == 0 {
		return nil, 0
	}
	attrs := make(Attributes, len(kvs))
	dropped := 0
	for _, kv := range kvs {
		v, err := AttrValueFromProto(kv.Value)
		if err != nil {
			dropped++
			continue
		}
		attrs[kv.Key] = v
	}
	return attrs, dropped
}

// AsString renders the value for indexing and display.
func (v AttrValue) AsString() string {
	switch v.Type {
	case ValueTypeString:
		return v.Str
	case ValueTypeInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueTypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ValueTypeBool:
		return strconv.FormatBool(v.Bool)
	case ValueTypeBytes:
		return fmt.Sprintf("%x", v.Bytes)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// MarshalJSON emits the natural JSON value so the query API surfaces
// attributes the way OTLP/JSON does.
func (v AttrValue) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueTypeString:
		return json.Marshal(v.Str)
	case ValueTypeInt:
		return json.Marshal(v.Int)
	case ValueTypeFloat:
		return json.Marshal(v.Float)
	case ValueTypeBool:
		return json.Marshal(v.Bool)
	case ValueTypeBytes:
		return json.Marshal(fmt.Sprintf("%x", v.Bytes))
	case ValueTypeArray:
		return json.Marshal(v.Array)
	case ValueTypeMap:
		return json.Marshal(v.Map)
	default:
		return json.Marshal(nil)
	}
}

// GetString returns the string rendering of the attribute, or "" if absent.
func (a Attributes) GetString(key string) string {
	v, ok := a[key]
	if !ok {
		return ""
	}
	return v.AsString()
}

// Has reports whether the key is present.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// SortedKeys returns the attribute keys in lexical order.
func (a Attributes) SortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
