package collector

import (
	"bytes"
	"encoding/binary"

	"github.com/cloudkv/engine/pkg/types"
)

// MirrorLogger records a blob key slated for delete whose effect must
// later be replayed against the mirror BlobStore. It is satisfied by
// pkg/bgworker's mirror-delete log.
type MirrorLogger interface {
	LogDelete(key types.EncodedBlobKey) error
}

// keyChunkStream implements blobstore.KeyStream over one chunk, decoding
// it lazily on first use and caching the decompressed bytes until Clear.
type keyChunkStream struct {
	ch     *chunk
	global types.TransID
	tenant types.TenantID

	data []byte
	pos  int

	mirror MirrorLogger
}

func (c *Collector) keyStreamFor(ch *chunk) *keyChunkStream {
	return &keyChunkStream{ch: ch, global: c.GlobalTransID, tenant: c.Tenant, mirror: c.mirror}
}

func (s *keyChunkStream) ensureLoaded() error {
	if s.data != nil {
		return nil
	}
	data, err := s.ch.decompress()
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// Next decodes the next entry in the chunk, computes its backend key via
// EncodeKey+PrefixKey and writes it into dst. It records a mirror-delete
// log entry first if the packed entry's mirrored flag is set.
func (s *keyChunkStream) Next(dst *string) bool {
	if err := s.ensureLoaded(); err != nil {
		return false
	}
	if s.pos >= len(s.data) {
		return false
	}
	r := bytes.NewReader(s.data[s.pos:])

	trans := s.global
	if s.global < 0 {
		v, err := binary.ReadVarint(r)
		if err != nil {
			return false
		}
		trans = types.TransID(v)
	}
	tkey, err := readVarBytes(r)
	if err != nil {
		return false
	}
	mirroredByte, err := r.ReadByte()
	if err != nil {
		return false
	}
	s.pos = len(s.data) - r.Len()

	key := types.BlobKey(s.tenant, tkey, trans)
	if mirroredByte != 0 && s.mirror != nil {
		_ = s.mirror.LogDelete(key)
	}
	*dst = string(key)
	return true
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Reset rewinds the chunk's cursor to the beginning. Idempotent; used for
// retry after a partial consume.
func (s *keyChunkStream) Reset() { s.pos = 0 }

// Clear drops the chunk's decompressed bytes after it has been fully and
// durably consumed.
func (s *keyChunkStream) Clear() { s.data = nil; s.pos = 0 }

// locChunkStream mirrors keyChunkStream for the parallel location-info
// chunk stream.
type locChunkStream struct {
	ch   *chunk
	data []byte
	pos  int
}

func (s *locChunkStream) ensureLoaded() error {
	if s.data != nil {
		return nil
	}
	data, err := s.ch.decompress()
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *locChunkStream) Next(dst *[]byte) bool {
	if err := s.ensureLoaded(); err != nil {
		return false
	}
	if s.pos >= len(s.data) {
		return false
	}
	r := bytes.NewReader(s.data[s.pos:])
	b, err := readVarBytes(r)
	if err != nil {
		return false
	}
	s.pos = len(s.data) - r.Len()
	*dst = b
	return true
}

func (s *locChunkStream) Reset() { s.pos = 0 }
func (s *locChunkStream) Clear() { s.data = nil; s.pos = 0 }

// multiKeyStream concatenates per-chunk streams into one blobstore.KeyStream.
type multiKeyStream struct {
	streams []*keyChunkStream
	idx     int
}

func (m *multiKeyStream) Next(dst *string) bool {
	for m.idx < len(m.streams) {
		if m.streams[m.idx].Next(dst) {
			return true
		}
		m.idx++
	}
	return false
}

func (m *multiKeyStream) Reset() {
	m.idx = 0
	for _, s := range m.streams {
		s.Reset()
	}
}

func (m *multiKeyStream) Clear() {
	for _, s := range m.streams {
		s.Clear()
	}
}

type multiLocStream struct {
	streams []*locChunkStream
	idx     int
}

func (m *multiLocStream) Next(dst *[]byte) bool {
	for m.idx < len(m.streams) {
		if m.streams[m.idx].Next(dst) {
			return true
		}
		m.idx++
	}
	return false
}

func (m *multiLocStream) Reset() {
	m.idx = 0
	for _, s := range m.streams {
		s.Reset()
	}
}

func (m *multiLocStream) Clear() {
	for _, s := range m.streams {
		s.Clear()
	}
}

// SetMirrorLogger attaches the mirror-delete log sink consulted while
// streaming keys; must be called before FinalizedStreams.
func (c *Collector) SetMirrorLogger(m MirrorLogger) { c.mirror = m }

// FinalizedStreams produces the blobstore.KeyStream/LocInfoStream pair
// BlobStore.Delete consumes, one per chunk chained together.
func (c *Collector) FinalizedStreams() (*multiKeyStream, *multiLocStream) {
	ks := &multiKeyStream{}
	for _, ch := range c.keyChunks {
		ks.streams = append(ks.streams, c.keyStreamFor(ch))
	}
	var ls *multiLocStream
	if c.hasLocInfo {
		ls = &multiLocStream{}
		for _, ch := range c.locInfoChunks {
			ls.streams = append(ls.streams, &locChunkStream{ch: ch})
		}
	}
	return ks, ls
}
