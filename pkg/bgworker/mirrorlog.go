package bgworker

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/types"
)

// MirrorDeleteLog is an append-only record of blob keys deleted from the
// primary BlobStore that still need the same delete replayed against the
// mirror. BackgroundWorker reclamation appends to it (via collector's
// MirrorLogger hook) whenever it deletes a key whose object row was
// mirrored=1; MirrorWorker tails it and advances a read position once
// each entry has been replayed.
//
// Each record is framed as: u32 LE length of key || key bytes || u32 LE
// CRC32(IEEE) of the key bytes. A truncated trailing record (a crash
// mid-append) is detected by the CRC check and treated as the current
// end of the log rather than corruption, since it was never fsynced.
type MirrorDeleteLog struct {
	mu   sync.Mutex
	f    *os.File
	wpos int64
}

func OpenMirrorDeleteLog(path string) (*MirrorDeleteLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, kverrors.Corruption.New("opening mirror delete log %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kverrors.Corruption.New("stat mirror delete log %s: %v", path, err)
	}
	return &MirrorDeleteLog{f: f, wpos: info.Size()}, nil
}

func (l *MirrorDeleteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// LogDelete appends key's framed record and fsyncs, satisfying
// collector.MirrorLogger.
func (l *MirrorDeleteLog) LogDelete(key types.EncodedBlobKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := []byte(key)
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	sum := crc32.ChecksumIEEE(b)
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)

	if _, err := l.f.WriteAt(hdr[:], l.wpos); err != nil {
		return kverrors.TransientBackend.New("mirror delete log append: %v", err)
	}
	if _, err := l.f.WriteAt(b, l.wpos+4); err != nil {
		return kverrors.TransientBackend.New("mirror delete log append: %v", err)
	}
	if _, err := l.f.WriteAt(trailer[:], l.wpos+4+int64(len(b))); err != nil {
		return kverrors.TransientBackend.New("mirror delete log append: %v", err)
	}
	if err := l.f.Sync(); err != nil {
		return kverrors.TransientBackend.New("mirror delete log sync: %v", err)
	}
	l.wpos += 4 + int64(len(b)) + 4
	return nil
}

// ReadFrom replays records starting at rpos, calling fn for each valid
// key, and returns the position immediately after the last fully valid
// record read (the next rpos to persist). A CRC mismatch or EOF stops
// replay without error: both mean "nothing more durably written yet".
func (l *MirrorDeleteLog) ReadFrom(rpos int64, fn func(types.EncodedBlobKey) error) (int64, error) {
	l.mu.Lock()
	size, err := l.f.Stat()
	l.mu.Unlock()
	if err != nil {
		return rpos, kverrors.Corruption.New("stat mirror delete log: %v", err)
	}

	r := io.NewSectionReader(l.f, rpos, size.Size()-rpos)
	br := bufio.NewReader(r)
	pos := rpos

	for {
		var hdr [4]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			break
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n == 0 || int64(n) > size.Size()-pos {
			break
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			break
		}
		var trailer [4]byte
		if _, err := io.ReadFull(br, trailer[:]); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(trailer[:]) != crc32.ChecksumIEEE(buf) {
			break
		}
		if err := fn(types.EncodedBlobKey(buf)); err != nil {
			return pos, err
		}
		pos += 4 + int64(n) + 4
	}
	return pos, nil
}
