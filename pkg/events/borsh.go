package events

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
)

// maxStringLength guards against corrupt length prefixes.
const maxStringLength = 64 * 1024

var errShortBuffer = errors.New("unexpected end of payload")

type borshReader struct {
	buf []byte
	off int
}

func (r *borshReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, errShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *borshReader) value(t FieldType) (any, error) {
	switch t {
	case TypePubkey:
		b, err := r.take(ledger.AddressLength)
		if err != nil {
			return nil, err
		}
		return ledger.AddressFromBytes(b)
	case TypeString:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(b)
		if n > maxStringLength {
			return nil, fmt.Errorf("string length %d exceeds limit", n)
		}
		s, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return string(s), nil
	case TypeBool:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, fmt.Errorf("invalid bool byte %d", b[0])
	case TypeU8:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return uint64(b[0]), nil
	case TypeU16:
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case TypeU32:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case TypeU64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint64(b), nil
	case TypeI64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

// RawEvent is a decoded payload before binding to a typed variant.
// Unsigned integers decode to uint64, i64 to int64, pubkeys to
// ledger.Address.
type RawEvent struct {
	Name   string
	Fields map[string]any
}

// DecodePayload decodes the borsh body (discriminator already stripped).
func (def EventDef) DecodePayload(body []byte) (RawEvent, error) {
	r := &borshReader{buf: body}
	raw := RawEvent{Name: def.Name, Fields: make(map[string]any, len(def.Fields))}
	for _, field := range def.Fields {
		v, err := r.value(field.Type)
		if err != nil {
			return RawEvent{}, fmt.Errorf("%s.%s: %w", def.Name, field.Name, err)
		}
		raw.Fields[field.Name] = v
	}
	return raw, nil
}

// Encode serializes values as discriminator + borsh fields in schema order.
// Missing values encode as the zero value of their type.
func (def EventDef) Encode(values map[string]any) ([]byte, error) {
	d := EventDiscriminator(def.Name)
	out := append([]byte(nil), d[:]...)
	for _, field := range def.Fields {
		var err error
		out, err = appendValue(out, field.Type, values[field.Name])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", def.Name, field.Name, err)
		}
	}
	return out, nil
}

func appendValue(out []byte, t FieldType, v any) ([]byte, error) {
	switch t {
	case TypePubkey:
		var a ledger.Address
		switch x := v.(type) {
		case nil:
		case ledger.Address:
			a = x
		default:
			return nil, fmt.Errorf("expected ledger.Address, got %T", v)
		}
		return append(out, a[:]...), nil
	case TypeString:
		var s string
		if v != nil {
			x, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", v)
			}
			s = x
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
		return append(out, s...), nil
	case TypeBool:
		b, _ := v.(bool)
		if b {
			return append(out, 1), nil
		}
		return append(out, 0), nil
	case TypeI64:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(out, uint64(n)), nil
	case TypeU8, TypeU16, TypeU32, TypeU64:
		n, err := toUint64(v)
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeU8:
			if n > math.MaxUint8 {
				return nil, fmt.Errorf("%d overflows u8", n)
			}
			return append(out, byte(n)), nil
		case TypeU16:
			if n > math.MaxUint16 {
				return nil, fmt.Errorf("%d overflows u16", n)
			}
			return binary.LittleEndian.AppendUint16(out, uint16(n)), nil
		case TypeU32:
			if n > math.MaxUint32 {
				return nil, fmt.Errorf("%d overflows u32", n)
			}
			return binary.LittleEndian.AppendUint32(out, uint32(n)), nil
		}
		return binary.LittleEndian.AppendUint64(out, n), nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

func toUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uint64:
		return x, nil
	case uint32:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case CampaignState:
		return uint64(x), nil
	case TaskState:
		return uint64(x), nil
	case DisputeResolution:
		return uint64(x), nil
	case RecipientType:
		return uint64(x), nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		return uint64(x), nil
	}
	return 0, fmt.Errorf("expected unsigned integer, got %T", v)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case time.Time:
		return x.Unix(), nil
	}
	return 0, fmt.Errorf("expected int64, got %T", v)
}
