package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// builder accumulates protobuf wire bytes for a single message. Every
// concrete message type in messages.go uses this instead of calling
// protowire.Append* directly, so field numbering stays consistent and
// terse across ~20 message types.
type builder struct {
	buf []byte
}

func (b *builder) varint(field protowire.Number, v uint64) {
	if v == 0 {
		return // proto3 semantics: zero value is not written
	}
	b.buf = protowire.AppendTag(b.buf, field, protowire.VarintType)
	b.buf = protowire.AppendVarint(b.buf, v)
}

func (b *builder) boolField(field protowire.Number, v bool) {
	if !v {
		return
	}
	b.varint(field, 1)
}

func (b *builder) fixed64(field protowire.Number, v float64) {
	if v == 0 {
		return
	}
	b.buf = protowire.AppendTag(b.buf, field, protowire.Fixed64Type)
	b.buf = protowire.AppendFixed64(b.buf, math.Float64bits(v))
}

func (b *builder) bytesField(field protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	b.buf = protowire.AppendTag(b.buf, field, protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, v)
}

func (b *builder) stringField(field protowire.Number, v string) {
	if v == "" {
		return
	}
	b.bytesField(field, []byte(v))
}

func (b *builder) message(field protowire.Number, v []byte) {
	b.bytesField(field, v)
}

func (b *builder) repeatedBytes(field protowire.Number, vs [][]byte) {
	for _, v := range vs {
		b.buf = protowire.AppendTag(b.buf, field, protowire.BytesType)
		b.buf = protowire.AppendBytes(b.buf, v)
	}
}

func (b *builder) repeatedString(field protowire.Number, vs []string) {
	for _, v := range vs {
		b.bytesField(field, []byte(v))
	}
}

func (b *builder) bytes() []byte { return b.buf }

// walkFields walks a protobuf-encoded message field by field, dispatching to
// the caller's visit function. This mirrors the envelope decoder's loop
// but is reused across every message type's Unmarshal.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, data []byte) (rest []byte, err error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		rest, err := visit(num, typ, data)
		if err != nil {
			return err
		}
		data = rest
	}
	return nil
}

func consumeVarint(data []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, data[n:], nil
}

func consumeFixed64(data []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeFixed64(data)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, data[n:], nil
}

func consumeFloat64(data []byte) (float64, []byte, error) {
	bits, rest, err := consumeFixed64(data)
	if err != nil {
		return 0, nil, err
	}
	return math.Float64frombits(bits), rest, nil
}

func consumeBytes(data []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	return append([]byte(nil), v...), data[n:], nil
}

func skipField(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, data)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return data[n:], nil
}

func errUnexpectedType(field protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("field %d: unexpected wire type %d", field, typ)
}
