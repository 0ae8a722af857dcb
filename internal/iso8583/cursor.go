package iso8583

import "fmt"

// cursor is a forward-only read position over a decode buffer, bounded so a
// length-prefixed sub-message cannot read past its declared end.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

// read advances n bytes and returns them, or an error if that would run past
// the buffer end.
func (c *cursor) read(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.data) {
		return nil, fmt.Errorf("iso8583: unexpected end of data: need %d bytes at offset %d, have %d total", n, c.pos, len(c.data))
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// remaining returns the number of unread bytes.
func (c *cursor) remaining() int {
	return len(c.data) - c.pos
}
