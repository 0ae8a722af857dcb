package iso8583

import (
	"fmt"
	"io"
)

// ReadFrame reads one complete length-prefixed frame from r: the 2-byte BCD
// body-length prefix, then exactly that many body bytes. It returns the
// frame including the prefix, ready for Codec.DecodeMessage when the codec
// has IncludeLengthPrefix set.
func ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, 2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	bodyLenStr, err := bcdUnpack(prefix, 4)
	if err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	bodyLen := atoiMust(bodyLenStr)

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("iso8583: short frame body: %w", err)
	}

	frame := make([]byte, 0, 2+bodyLen)
	frame = append(frame, prefix...)
	frame = append(frame, body...)
	return frame, nil
}

// WriteFrame writes a pre-encoded frame (as produced by Codec.EncodeMessage
// with IncludeLengthPrefix set) to w in a single call.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
