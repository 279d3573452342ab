// Package collector implements ObjectCollector: a persisted, streaming
// batch of backend keys (and optional location infos) queued for
// deletion, compact enough to hold millions of entries in bounded memory.
package collector

import (
	"bytes"
	"crypto/md5" //nolint:gosec // checksum over our own header, not a security boundary
	"encoding/binary"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"

	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/types"
)

const magic = "OBJECTCOLLECTOR"

// chunk is a CompressedChunk: an append-only byte buffer of packed
// entries until it reaches strideSize, at which point it is compressed in
// place and a new chunk starts.
type chunk struct {
	buf        *bytes.Buffer // nil once compressed
	compressed []byte
	decompLen  int // -1 if never compressed (still open)
	entries    int
}

func newChunk() *chunk {
	return &chunk{buf: &bytes.Buffer{}, decompLen: -1}
}

func (c *chunk) compress() error {
	if c.buf == nil {
		return nil
	}
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(c.buf.Bytes()); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	c.decompLen = c.buf.Len()
	c.compressed = out.Bytes()
	c.buf = nil
	return nil
}

func (c *chunk) decompress() ([]byte, error) {
	if c.buf != nil {
		return c.buf.Bytes(), nil
	}
	r, err := zlib.NewReader(bytes.NewReader(c.compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// entry is one packed (transid?, tkey, mirrored?) record within a chunk.
type entry struct {
	TransID  types.TransID
	Tkey     types.RawKey
	Mirrored bool
}

// Collector accumulates keys destined for BlobStore.Delete. StrideSize
// entries are buffered into a chunk's byte buffer before it is compressed
// and a new one starts; two parallel chunk streams hold backend keys and
// (optionally) backend location infos.
type Collector struct {
	TaskID        int64
	Completed     types.CompletedState
	Active        bool
	TransIDs      []types.TransID
	GlobalTransID types.TransID // >=0 means every entry shares this trans id
	Tenant        types.TenantID
	StrideSize    int
	MirroredFlag  bool

	keyChunks     []*chunk
	locInfoChunks []*chunk
	currKeyChunk  *chunk
	currLocChunk  *chunk

	hasLocInfo bool
	mirror     MirrorLogger
}

// New creates an empty collector. strideSize is the number of entries
// packed into a chunk before it is compressed.
func New(taskID int64, tenant types.TenantID, strideSize int, globalTransID types.TransID) *Collector {
	if strideSize <= 0 {
		strideSize = 8192
	}
	c := &Collector{
		TaskID:        taskID,
		Active:        true,
		Tenant:        tenant,
		StrideSize:    strideSize,
		GlobalTransID: globalTransID,
	}
	c.currKeyChunk = newChunk()
	return c
}

// NewTaskFilename returns a fresh collector task filename: a random
// identifier is sufficient since the name is opaque to everything but
// the worker that persists and later reads it back.
func NewTaskFilename() string {
	return uuid.NewString() + ".collector"
}

// Add appends one key (and optional location info) to the collector,
// rolling to a new chunk once StrideSize entries have accumulated.
func (c *Collector) Add(trans types.TransID, tkey types.RawKey, mirrored bool, locInfo []byte) error {
	if err := packEntry(c.currKeyChunk.buf, c.GlobalTransID, trans, tkey, mirrored); err != nil {
		return err
	}
	c.currKeyChunk.entries++
	if c.currKeyChunk.entries >= c.StrideSize {
		if err := c.currKeyChunk.compress(); err != nil {
			return err
		}
		c.keyChunks = append(c.keyChunks, c.currKeyChunk)
		c.currKeyChunk = newChunk()
	}

	if locInfo != nil {
		c.hasLocInfo = true
		if c.currLocChunk == nil {
			c.currLocChunk = newChunk()
		}
		writeVarBytes(c.currLocChunk.buf, locInfo)
		c.currLocChunk.entries++
		if c.currLocChunk.entries >= c.StrideSize {
			if err := c.currLocChunk.compress(); err != nil {
				return err
			}
			c.locInfoChunks = append(c.locInfoChunks, c.currLocChunk)
			c.currLocChunk = nil
		}
	}
	return nil
}

func packEntry(buf *bytes.Buffer, globalTransID, trans types.TransID, tkey types.RawKey, mirrored bool) error {
	if globalTransID < 0 {
		var tmp [binary.MaxVarintLen64]byte
		n := binary.PutVarint(tmp[:], int64(trans))
		buf.Write(tmp[:n])
	}
	writeVarBytes(buf, tkey)
	if mirrored {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return nil
}

func writeVarBytes(buf *bytes.Buffer, b []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

// finalize flushes any open chunk so Persist/streaming sees every entry.
func (c *Collector) finalize() error {
	if c.currKeyChunk != nil && c.currKeyChunk.entries > 0 {
		if err := c.currKeyChunk.compress(); err != nil {
			return err
		}
		c.keyChunks = append(c.keyChunks, c.currKeyChunk)
		c.currKeyChunk = newChunk()
	}
	if c.currLocChunk != nil && c.currLocChunk.entries > 0 {
		if err := c.currLocChunk.compress(); err != nil {
			return err
		}
		c.locInfoChunks = append(c.locInfoChunks, c.currLocChunk)
		c.currLocChunk = nil
	}
	return nil
}

// Persist writes the collector's on-disk format to filename.
func (c *Collector) Persist(filename string) error {
	if err := c.finalize(); err != nil {
		return err
	}

	var header bytes.Buffer
	putVarint(&header, c.TaskID)
	putVarint(&header, int64(c.Completed))
	putVarint(&header, boolToInt64(c.Active))
	putVarint(&header, int64(len(c.TransIDs)))
	for _, t := range c.TransIDs {
		putVarint(&header, int64(t))
	}
	putVarint(&header, int64(c.GlobalTransID))
	putVarint(&header, int64(sumEntries(c.keyChunks)))
	putVarint(&header, int64(c.StrideSize))
	if c.MirroredFlag {
		header.WriteByte(1)
	} else {
		header.WriteByte(0)
	}
	putVarint(&header, int64(c.Tenant))

	putVarint(&header, int64(len(c.keyChunks)))
	for _, ch := range c.keyChunks {
		putVarint(&header, int64(len(ch.compressed)))
		putVarint(&header, int64(ch.decompLen))
	}
	putVarint(&header, int64(len(c.locInfoChunks)))
	for _, ch := range c.locInfoChunks {
		putVarint(&header, int64(len(ch.compressed)))
		putVarint(&header, int64(ch.decompLen))
	}

	headerBytes := header.Bytes()
	sum := md5.Sum(headerBytes)

	tmp := filename + ".new"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return kverrors.Corruption.New("creating collector file: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(magic); err != nil {
		return err
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(headerBytes)))
	if _, err := f.Write(sizeBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	if _, err := f.Write(sum[:]); err != nil {
		return err
	}
	for _, ch := range c.keyChunks {
		if _, err := f.Write(ch.compressed); err != nil {
			return err
		}
	}
	for _, ch := range c.locInfoChunks {
		if _, err := f.Write(ch.compressed); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}

func sumEntries(chunks []*chunk) int {
	n := 0
	for _, c := range chunks {
		n += c.entries
	}
	return n
}

func putVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Load reads a collector's on-disk form back into memory, verifying the
// header checksum.
func Load(filename string) (*Collector, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, kverrors.NotFound.New("reading collector file %s: %v", filename, err)
	}
	if len(data) < len(magic)+4 || string(data[:len(magic)]) != magic {
		return nil, kverrors.Corruption.New("collector file %s: bad magic", filename)
	}
	pos := len(magic)
	headerSize := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	header := data[pos : pos+int(headerSize)]
	pos += int(headerSize)

	if len(data) < pos+16 {
		return nil, kverrors.Corruption.New("collector file %s: truncated checksum", filename)
	}
	wantSum := data[pos : pos+16]
	gotSum := md5.Sum(header)
	if !bytes.Equal(wantSum, gotSum[:]) {
		return nil, kverrors.Corruption.New("collector file %s: header checksum mismatch", filename)
	}
	pos += 16

	r := bytes.NewReader(header)
	c := &Collector{}
	c.TaskID = readVarint(r)
	c.Completed = types.CompletedState(readVarint(r))
	c.Active = readVarint(r) != 0
	nTrans := readVarint(r)
	for i := int64(0); i < nTrans; i++ {
		c.TransIDs = append(c.TransIDs, types.TransID(readVarint(r)))
	}
	c.GlobalTransID = types.TransID(readVarint(r))
	_ = readVarint(r) // n_backend_keys; read past and not used on load
	c.StrideSize = int(readVarint(r))

	mirroredByte, err := r.ReadByte()
	if err != nil {
		return nil, kverrors.Corruption.New("collector file %s: truncated header", filename)
	}
	c.MirroredFlag = mirroredByte != 0
	c.Tenant = types.TenantID(readVarint(r))

	nKeyChunks := readVarint(r)
	var keyChunkLens [][2]int64
	for i := int64(0); i < nKeyChunks; i++ {
		compLen := readVarint(r)
		decompLen := readVarint(r)
		keyChunkLens = append(keyChunkLens, [2]int64{compLen, decompLen})
	}
	nLocChunks := readVarint(r)
	var locChunkLens [][2]int64
	for i := int64(0); i < nLocChunks; i++ {
		compLen := readVarint(r)
		decompLen := readVarint(r)
		locChunkLens = append(locChunkLens, [2]int64{compLen, decompLen})
	}

	for _, cl := range keyChunkLens {
		if pos+int(cl[0]) > len(data) {
			return nil, kverrors.Corruption.New("collector file %s: truncated chunk data", filename)
		}
		ch := &chunk{compressed: data[pos : pos+int(cl[0])], decompLen: int(cl[1])}
		pos += int(cl[0])
		c.keyChunks = append(c.keyChunks, ch)
	}
	for _, cl := range locChunkLens {
		if pos+int(cl[0]) > len(data) {
			return nil, kverrors.Corruption.New("collector file %s: truncated loc chunk data", filename)
		}
		ch := &chunk{compressed: data[pos : pos+int(cl[0])], decompLen: int(cl[1])}
		pos += int(cl[0])
		c.locInfoChunks = append(c.locInfoChunks, ch)
		c.hasLocInfo = true
	}
	return c, nil
}

func readVarint(r *bytes.Reader) int64 {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0
	}
	return v
}
