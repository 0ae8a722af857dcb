package iso8583

import (
	"encoding/hex"
	"fmt"
)

// Codec encodes and decodes messages against a Provider's field definitions.
// A Codec is stateless and safe for concurrent use — the same Codec may
// encode and decode unrelated messages from different goroutines at once.
type Codec struct {
	Provider *Provider
	// IncludeLengthPrefix controls whether EncodeMessage prepends the
	// 2-byte BCD body-length prefix and DecodeMessage expects one.
	IncludeLengthPrefix bool
}

// NewCodec builds a Codec bound to a field definition provider.
func NewCodec(provider *Provider) *Codec {
	return &Codec{Provider: provider, IncludeLengthPrefix: true}
}

// maxForDigits returns the largest value representable by an n-digit decimal
// prefix (99 for 2 digits, 999 for 3, 9999 for 4).
func maxForDigits(digits int) int {
	max := 1
	for i := 0; i < digits; i++ {
		max *= 10
	}
	return max - 1
}

// EncodeField encodes a single field's value per its definition.
func (c *Codec) EncodeField(def *Definition, value string) ([]byte, error) {
	if def.isNumeric() && !isAllDigits(value) {
		return nil, &FieldError{Number: def.Number, Err: fmt.Errorf("value %q is not numeric", value)}
	}

	fitted, err := fitToLength(def, value)
	if err != nil {
		return nil, &FieldError{Number: def.Number, Err: err}
	}

	unitLen, err := unitLength(def, fitted)
	if err != nil {
		return nil, &FieldError{Number: def.Number, Err: err}
	}

	var out []byte
	if def.LengthType != Fixed {
		digits := def.LengthType.prefixDigits()
		if unitLen > def.Length || unitLen > maxForDigits(digits) {
			return nil, &FieldError{Number: def.Number, Err: fmt.Errorf("length %d exceeds max %d", unitLen, def.Length)}
		}
		prefix, err := encodeLengthPrefix(unitLen, digits, def.LengthEncoding)
		if err != nil {
			return nil, &FieldError{Number: def.Number, Err: err}
		}
		out = append(out, prefix...)
	}

	data, err := encodeFieldData(def, fitted)
	if err != nil {
		return nil, &FieldError{Number: def.Number, Err: err}
	}
	out = append(out, data...)
	return out, nil
}

// DecodeField reads one field from cur per its definition.
func (c *Codec) DecodeField(def *Definition, cur *cursor) (string, error) {
	unitLen := def.Length
	if def.LengthType != Fixed {
		digits := def.LengthType.prefixDigits()
		n, err := decodeLengthPrefix(cur, digits, def.LengthEncoding)
		if err != nil {
			return "", &FieldError{Number: def.Number, Err: err}
		}
		if n > def.Length {
			return "", &FieldError{Number: def.Number, Err: fmt.Errorf("declared length %d exceeds max %d", n, def.Length)}
		}
		unitLen = n
	}

	byteLen := unitByteLength(def, unitLen)
	raw, err := cur.read(byteLen)
	if err != nil {
		return "", &FieldError{Number: def.Number, Err: err}
	}

	value, err := decodeFieldData(def, raw, unitLen)
	if err != nil {
		return "", &FieldError{Number: def.Number, Err: err}
	}

	// Only space-padded fixed fields can be trimmed unambiguously on decode.
	// A '0'-padded field (BCD or otherwise) can't be trimmed: a leading or
	// trailing zero from padding is indistinguishable from one that is real
	// data, so it has to stay.
	if def.LengthType == Fixed && def.PaddingChar == ' ' && def.DataEncoding != EncodingBinary {
		value = trimPadding(value, def)
	}
	return value, nil
}

// EncodeMessage assembles a full frame: optional length prefix, MTI,
// bitmap, and fields in ascending index order.
func (c *Codec) EncodeMessage(msg *Message) ([]byte, error) {
	if len(msg.MTI) != 4 || !isAllDigits(msg.MTI) {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid MTI %q", msg.MTI)}
	}
	mtiBytes, err := bcdPack(msg.MTI)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}

	bitmap, err := msg.Bitmap()
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}

	body := append([]byte{}, mtiBytes...)
	body = append(body, bitmap.ToBytes()...)

	for _, n := range bitmap.Fields() {
		def, ok := c.Provider.Get(n)
		if !ok {
			return nil, &ProtocolError{Reason: fmt.Sprintf("no field definition for field %d", n)}
		}
		value, _ := msg.GetField(n)
		encoded, err := c.EncodeField(def, value)
		if err != nil {
			return nil, err
		}
		body = append(body, encoded...)
	}

	if !c.IncludeLengthPrefix {
		return body, nil
	}
	if len(body) > 9999 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("body length %d exceeds 4-digit length prefix capacity", len(body))}
	}
	prefix, err := bcdPack(fmt.Sprintf("%04d", len(body)))
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	return append(prefix, body...), nil
}

// DecodeMessage parses a full frame. If IncludeLengthPrefix is set, data is
// expected to start with the 2-byte BCD length prefix and any bytes beyond
// the declared body length are an error; otherwise data is taken to be
// exactly one message body.
func (c *Codec) DecodeMessage(data []byte) (*Message, error) {
	cur := newCursor(data)

	if c.IncludeLengthPrefix {
		prefixBytes, err := cur.read(2)
		if err != nil {
			return nil, &ProtocolError{Reason: err.Error()}
		}
		bodyLen, err := bcdUnpack(prefixBytes, 4)
		if err != nil {
			return nil, &ProtocolError{Reason: err.Error()}
		}
		declared := atoiMust(bodyLen)
		if cur.remaining() != declared {
			return nil, &ProtocolError{Reason: fmt.Sprintf("declared body length %d does not match available %d bytes", declared, cur.remaining())}
		}
	}

	mtiBytes, err := cur.read(2)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	mti, err := bcdUnpack(mtiBytes, 4)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}

	primaryBytes, err := cur.read(8)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	bitmapBytes := append([]byte{}, primaryBytes...)
	hasSecondary := primaryBytes[0]&0x80 != 0
	if hasSecondary {
		secondaryBytes, err := cur.read(8)
		if err != nil {
			return nil, &ProtocolError{Reason: err.Error()}
		}
		bitmapBytes = append(bitmapBytes, secondaryBytes...)
	}
	bitmap, _, err := BitmapFromBytes(bitmapBytes)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}

	msg := NewMessage(mti)
	for _, n := range bitmap.Fields() {
		def, ok := c.Provider.Get(n)
		if !ok {
			return nil, &ProtocolError{Reason: fmt.Sprintf("no field definition for field %d", n)}
		}
		value, err := c.DecodeField(def, cur)
		if err != nil {
			return nil, err
		}
		if err := msg.SetField(n, value); err != nil {
			return nil, err
		}
	}

	if cur.remaining() != 0 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("%d trailing bytes after last field", cur.remaining())}
	}
	return msg, nil
}

// --- helpers ---

func isAllDigits(s string) bool {
	if s == "" {
		return true
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func atoiMust(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// unitLength returns the definition's natural length unit for value: decimal
// digits/characters for ASCII/BCD/EBCDIC fields, byte count for BINARY
// fields (whose value is a hex string, two hex characters per byte).
func unitLength(def *Definition, value string) (int, error) {
	if def.DataEncoding == EncodingBinary {
		if len(value)%2 != 0 {
			return 0, fmt.Errorf("binary value %q has odd hex-digit count", value)
		}
		return len(value) / 2, nil
	}
	return len([]rune(value)), nil
}

func unitByteLength(def *Definition, unitLen int) int {
	switch def.DataEncoding {
	case EncodingBCD:
		return bcdByteLen(unitLen)
	case EncodingBinary:
		return unitLen
	default:
		return unitLen
	}
}

// fitToLength pads or truncates value to the definition's exact length for
// FIXED fields; variable-length fields pass through unchanged (bounds are
// checked by the caller against the declared max).
func fitToLength(def *Definition, value string) (string, error) {
	if def.LengthType != Fixed {
		return value, nil
	}
	if def.DataEncoding == EncodingBinary {
		// Length is a byte count; value is a hex string, two chars per byte.
		want := def.Length * 2
		if len(value) == want {
			return value, nil
		}
		if len(value) > want {
			if def.LeftPadding {
				return value[len(value)-want:], nil
			}
			return value[:want], nil
		}
		pad := want - len(value)
		padStr := repeatByte('0', pad)
		if def.LeftPadding {
			return padStr + value, nil
		}
		return value + padStr, nil
	}

	want := def.Length
	cur := len([]rune(value))
	if cur == want {
		return value, nil
	}
	padChar := def.PaddingChar
	if padChar == 0 {
		padChar, _ = def.defaultPadding()
	}
	if cur > want {
		runes := []rune(value)
		if def.LeftPadding {
			return string(runes[cur-want:]), nil
		}
		return string(runes[:want]), nil
	}
	pad := repeatByte(padChar, want-cur)
	if def.LeftPadding {
		return pad + value, nil
	}
	return value + pad, nil
}

func repeatByte(b byte, n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return string(buf)
}

// trimPadding strips a FIXED non-BCD field's padding back off on decode.
func trimPadding(value string, def *Definition) string {
	padChar := def.PaddingChar
	if padChar == 0 {
		padChar, _ = def.defaultPadding()
	}
	if def.LeftPadding {
		i := 0
		for i < len(value)-1 && value[i] == padChar {
			i++
		}
		return value[i:]
	}
	i := len(value)
	for i > 0 && value[i-1] == padChar {
		i--
	}
	return value[:i]
}

func encodeLengthPrefix(n, digits int, enc LengthEncoding) ([]byte, error) {
	s := fmt.Sprintf("%0*d", digits, n)
	switch enc {
	case LengthASCII:
		return []byte(s), nil
	case LengthBCD:
		return bcdPack(s)
	default:
		return nil, fmt.Errorf("unsupported length encoding %v", enc)
	}
}

func decodeLengthPrefix(cur *cursor, digits int, enc LengthEncoding) (int, error) {
	switch enc {
	case LengthASCII:
		b, err := cur.read(digits)
		if err != nil {
			return 0, err
		}
		if !isAllDigits(string(b)) {
			return 0, fmt.Errorf("length prefix %q is not numeric", string(b))
		}
		return atoiMust(string(b)), nil
	case LengthBCD:
		nbytes := bcdByteLen(digits)
		b, err := cur.read(nbytes)
		if err != nil {
			return 0, err
		}
		s, err := bcdUnpack(b, digits)
		if err != nil {
			return 0, err
		}
		return atoiMust(s), nil
	default:
		return 0, fmt.Errorf("unsupported length encoding %v", enc)
	}
}

func encodeFieldData(def *Definition, value string) ([]byte, error) {
	switch def.DataEncoding {
	case EncodingASCII:
		return []byte(value), nil
	case EncodingEBCDIC:
		return asciiToEBCDIC(value), nil
	case EncodingBCD:
		return bcdPack(value)
	case EncodingBinary:
		return hex.DecodeString(value)
	default:
		return nil, fmt.Errorf("unsupported data encoding %v", def.DataEncoding)
	}
}

func decodeFieldData(def *Definition, raw []byte, unitLen int) (string, error) {
	switch def.DataEncoding {
	case EncodingASCII:
		return string(raw), nil
	case EncodingEBCDIC:
		return ebcdicToASCII(raw), nil
	case EncodingBCD:
		return bcdUnpack(raw, unitLen)
	case EncodingBinary:
		return hex.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("unsupported data encoding %v", def.DataEncoding)
	}
}
