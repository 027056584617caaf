package transport

import (
	"bytes"

	"example.com/retailstack/pos-agent/internal/escpos"
)

// gsV is the paper-cut command, the strongest end-of-receipt signal ESC/POS
// has.
var gsV = []byte{escpos.GS, 'V'}

// assembler accumulates raw chunks until a frame boundary shows up. Printers
// send receipts in arbitrary write sizes, so a boundary anywhere in the
// buffer flushes the whole accumulated buffer as one frame: receipts are
// bursty and a chunk very rarely spans two of them.
type assembler struct {
	buf bytes.Buffer
}

// push appends chunk and returns a complete frame, or nil when more data is
// needed.
func (a *assembler) push(chunk []byte) []byte {
	a.buf.Write(chunk)
	data := a.buf.Bytes()
	if !bytes.ContainsRune(data, escpos.LF) && !bytes.Contains(data, gsV) {
		return nil
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	a.buf.Reset()
	return frame
}

// pending reports how many bytes are buffered without a boundary yet.
func (a *assembler) pending() int {
	return a.buf.Len()
}

// reset drops any partial frame, used when a connection is torn down.
func (a *assembler) reset() {
	a.buf.Reset()
}
