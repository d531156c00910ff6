package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadFormat   = errors.New("bad message format")
	ErrArgCount    = errors.New("wrong number of message arguments")
	ErrArgType     = errors.New("unsupported message argument type")
	ErrMissingArgs = errors.New("missing message parameter")
)

// ParamType is the wire type of one message parameter
type ParamType uint8

const (
	ParamUint32 ParamType = iota // %u
	ParamInt32                   // %i
	ParamUint16                  // %hu
	ParamInt16                   // %hi
	ParamByte                    // %c
	ParamBuffer                  // %*s
	ParamString                  // %.*s and %s
)

var paramTypes = map[string]ParamType{
	"%u":   ParamUint32,
	"%i":   ParamInt32,
	"%hu":  ParamUint16,
	"%hi":  ParamInt16,
	"%c":   ParamByte,
	"%*s":  ParamBuffer,
	"%.*s": ParamString,
	"%s":   ParamString,
}

// IsBytes reports whether the parameter travels as a length-prefixed buffer
func (p ParamType) IsBytes() bool {
	return p == ParamBuffer || p == ParamString
}

// Param is one name=%type entry of a message format
type Param struct {
	Name string
	Type ParamType
}

// MessageFormat describes a command or response from the MCU dictionary,
// e.g. "i2c_read oid=%c reg=%*s read_len=%u".
type MessageFormat struct {
	ID     uint16
	Name   string
	Format string
	Params []Param
}

// ParseMessageFormat parses a dictionary format string
func ParseMessageFormat(id uint16, format string) (*MessageFormat, error) {
	fields := strings.Fields(format)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadFormat)
	}
	mf := &MessageFormat{ID: id, Name: fields[0], Format: format}
	for _, field := range fields[1:] {
		name, typ, ok := strings.Cut(field, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q in %q", ErrBadFormat, field, format)
		}
		pt, ok := paramTypes[typ]
		if !ok {
			return nil, fmt.Errorf("%w: type %q in %q", ErrBadFormat, typ, format)
		}
		mf.Params = append(mf.Params, Param{Name: name, Type: pt})
	}
	return mf, nil
}

// Encode writes the message ID followed by args in parameter order.
// Integer parameters accept any Go integer or bool; buffers accept []byte or string.
func (f *MessageFormat) Encode(output OutputBuffer, args ...any) error {
	if len(args) != len(f.Params) {
		return fmt.Errorf("%w: %s wants %d, got %d", ErrArgCount, f.Name, len(f.Params), len(args))
	}
	EncodeVLQUint(output, uint32(f.ID))
	for i, p := range f.Params {
		if p.Type.IsBytes() {
			b, err := toBytes(args[i])
			if err != nil {
				return fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			EncodeVLQBytes(output, b)
			continue
		}
		v, err := toInt(args[i])
		if err != nil {
			return fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
		}
		EncodeVLQInt(output, int32(v))
	}
	return nil
}

// EncodeNamed encodes from a name->value map, as used for text config commands
func (f *MessageFormat) EncodeNamed(output OutputBuffer, params map[string]any) error {
	args := make([]any, len(f.Params))
	for i, p := range f.Params {
		v, ok := params[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrMissingArgs, f.Name, p.Name)
		}
		args[i] = v
	}
	return f.Encode(output, args...)
}

// Decode consumes the parameters of this message from data.
// The message ID must already have been consumed.
func (f *MessageFormat) Decode(data *[]byte) (map[string]any, error) {
	out := make(map[string]any, len(f.Params))
	for _, p := range f.Params {
		switch p.Type {
		case ParamBuffer:
			b, err := DecodeVLQBytes(data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			out[p.Name] = append([]byte(nil), b...)
		case ParamString:
			b, err := DecodeVLQBytes(data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			out[p.Name] = string(b)
		case ParamInt32, ParamInt16:
			v, err := DecodeVLQInt(data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			if p.Type == ParamInt16 {
				v = int32(int16(v))
			}
			out[p.Name] = v
		default:
			v, err := DecodeVLQUint(data)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", f.Name, p.Name, err)
			}
			switch p.Type {
			case ParamUint16:
				v = uint32(uint16(v))
			case ParamByte:
				v = uint32(uint8(v))
			}
			out[p.Name] = v
		}
	}
	return out, nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("%w: %T for buffer", ErrArgType, v)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %T for integer", ErrArgType, v)
}
