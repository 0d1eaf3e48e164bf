package cmux

import (
	"github.com/pkg/errors"
)

var (
	// ErrNeedMore indicates the buffer does not yet hold a complete frame.
	ErrNeedMore = errors.New("cmux: incomplete frame, need more bytes")
	// ErrBadTrailingSOF indicates the byte at the expected trailing SOF
	// position did not match 0xF9. The buffer is left untouched: a
	// transient framing error, not a fatal one.
	ErrBadTrailingSOF = errors.New("cmux: bad trailing SOF")
)

// Deframer is a reassembly buffer that scans for complete CMUX frames
// bounded by a leading and trailing SOF. It is not safe for concurrent
// use: exactly one owner (the reader task) holds it at a time.
type Deframer struct {
	buf []byte // fixed capacity, fill tracked by n
	n   int
}

// NewDeframer allocates a reassembly buffer of the given capacity
// (the line_buffer_size configuration value, typically >= 16 KiB).
func NewDeframer(capacity int) *Deframer {
	return &Deframer{buf: make([]byte, capacity)}
}

// Len returns the number of bytes currently buffered.
func (d *Deframer) Len() int { return d.n }

// Cap returns the buffer's fixed capacity.
func (d *Deframer) Cap() int { return len(d.buf) }

// Resyncing reports whether the buffer holds bytes that cannot start an
// extractable frame: non-empty and first byte isn't SOF.
func (d *Deframer) Resyncing() bool {
	return d.n > 0 && d.buf[0] != SOF
}

// Append copies up to len(data) bytes into the tail of the reassembly
// buffer, truncating at capacity. It reports how many bytes were
// actually appended; a short append means the caller's ingress event
// delivered more bytes than the configured line_buffer_size can hold
// (a BUFFER_FULL condition upstream).
func (d *Deframer) Append(data []byte) int {
	room := len(d.buf) - d.n
	if room <= 0 {
		return 0
	}
	if len(data) > room {
		data = data[:room]
	}
	copy(d.buf[d.n:], data)
	d.n += len(data)
	return len(data)
}

// Reset discards all buffered bytes.
func (d *Deframer) Reset() { d.n = 0 }

// Extract attempts to pull a single complete frame from the head of the
// buffer using a sliding-window scan. On success it shifts any trailing
// bytes down to offset 0 and returns the decoded frame. It returns
// ErrNeedMore if more bytes are required, or ErrBadTrailingSOF if the
// frame is malformed at its expected end (buffer is left untouched in
// both cases, the resync policy). Callers must check Resyncing() first;
// Extract does not itself resync past a non-SOF leading byte.
func (d *Deframer) Extract() (*Frame, error) {
	if d.n < 4 {
		return nil, ErrNeedMore
	}
	length := d.buf[3] >> 1
	frameTotal := int(length) + 6
	if d.n < 5 {
		return nil, ErrNeedMore
	}
	if d.n < frameTotal {
		return nil, ErrNeedMore
	}
	if d.buf[frameTotal-1] != SOF {
		return nil, ErrBadTrailingSOF
	}

	addr := d.buf[1]
	control := d.buf[2]
	payload := make([]byte, length)
	copy(payload, d.buf[4:4+int(length)])

	frame := &Frame{
		DLCI:    addr >> 2,
		Control: control,
		Payload: payload,
	}

	remaining := d.n - frameTotal
	copy(d.buf[:remaining], d.buf[frameTotal:d.n])
	d.n = remaining

	return frame, nil
}

// ExtractAll repeatedly extracts frames until none remain: if at least
// 5 bytes remain in the buffer, it loops to extract another (this lets
// two frames injected in a single UART event both dispatch). A bad
// trailing SOF stops extraction for this call; the offending bytes are
// left in the buffer for the next ingress event to resync against.
func (d *Deframer) ExtractAll() ([]*Frame, error) {
	var frames []*Frame
	for d.n >= 5 && !d.Resyncing() {
		f, err := d.Extract()
		if err != nil {
			if err == ErrNeedMore {
				return frames, nil
			}
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}
