package bgworker

import (
	"bytes"
	"strconv"
)

// memSink buffers one object body in memory for the copy-pass, fed to
// BlobStore.Get as an io.WriterAt and read back with reader() for the
// mirror's Put. Mirrored objects are assumed backup-chunk sized, not
// unbounded, so buffering is acceptable here.
type memSink struct {
	buf []byte
}

func newMemSink(sizeHint int64) *memSink {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &memSink{buf: make([]byte, 0, sizeHint)}
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

func (m *memSink) reader() *bytes.Reader { return bytes.NewReader(m.buf) }
func (m *memSink) len() int              { return len(m.buf) }

func parsePos(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatPos(v int64) string {
	return strconv.FormatInt(v, 10)
}
