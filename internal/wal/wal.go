// Package wal implements ringdb's write-ahead log: every mutation is
// framed, checksummed, and appended to a segment file before it is
// applied to the active MemTable, so a crash between the two can always
// be repaired by replay (spec.md §4.1).
//
// The framing is grounded on the teacher pack's block-based WAL
// (mrsladoje-HundDB's structures/wal), generalized from fixed 4KB
// blocks to simple length-prefixed frames — ringdb has no fixed-size
// block manager to fragment across — and extended with the record
// kinds the transaction manager needs (TxBegin/TxPrepare/TxCommit/
// TxAbort) alongside Put/Delete.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
)

// Kind identifies what a WAL entry represents.
type Kind byte

const (
	KindPut Kind = iota + 1
	KindDelete
	KindTxBegin
	KindTxPrepare
	KindTxCommit
	KindTxAbort
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	case KindTxBegin:
		return "tx_begin"
	case KindTxPrepare:
		return "tx_prepare"
	case KindTxCommit:
		return "tx_commit"
	case KindTxAbort:
		return "tx_abort"
	default:
		return "unknown"
	}
}

// Entry is a single WAL frame: a mutation (or transaction marker) plus
// the transaction id it belongs to, if any.
type Entry struct {
	Kind   Kind
	TxID   uint64 // 0 for non-transactional entries
	Record record.Record
}

// frame layout: crc32(4) | length(4) | kind(1) | txid(8) | keylen(2) |
// key | vallen(4) | value | meta...
//
// meta layout: lamportTS(8) | seq(8) | tombstone(1) | originlen(2) |
// origin | veclen(2) | [originlen(2) origin seq(8)]*veclen

const frameHeaderSize = 4 + 4 // crc32 + length

func encodeEntry(e Entry) []byte {
	key := []byte(e.Record.Key)
	val := e.Record.Value
	origin := []byte(e.Record.Meta.Origin)

	body := make([]byte, 0, 1+8+2+len(key)+4+len(val)+8+8+1+2+len(origin)+2+len(e.Record.Meta.Vector)*14)
	body = append(body, byte(e.Kind))
	body = appendU64(body, e.TxID)
	body = appendU16(body, uint16(len(key)))
	body = append(body, key...)
	body = appendU32(body, uint32(len(val)))
	body = append(body, val...)
	body = appendU64(body, e.Record.Meta.LamportTS)
	body = appendU64(body, e.Record.Meta.Seq)
	if e.Record.Meta.Tombstone {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = appendU16(body, uint16(len(origin)))
	body = append(body, origin...)
	body = appendU16(body, uint16(len(e.Record.Meta.Vector)))
	for o, seq := range e.Record.Meta.Vector {
		ob := []byte(o)
		body = appendU16(body, uint16(len(ob)))
		body = append(body, ob...)
		body = appendU64(body, seq)
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	crc := crc32.ChecksumIEEE(frame[4:])
	binary.LittleEndian.PutUint32(frame[0:4], crc)
	return frame
}

func decodeEntry(body []byte) (Entry, error) {
	r := bytesReader{b: body}
	kindByte, err := r.readByte()
	if err != nil {
		return Entry{}, err
	}
	txID, err := r.readU64()
	if err != nil {
		return Entry{}, err
	}
	keyLen, err := r.readU16()
	if err != nil {
		return Entry{}, err
	}
	key, err := r.readN(int(keyLen))
	if err != nil {
		return Entry{}, err
	}
	valLen, err := r.readU32()
	if err != nil {
		return Entry{}, err
	}
	val, err := r.readN(int(valLen))
	if err != nil {
		return Entry{}, err
	}
	lamportTS, err := r.readU64()
	if err != nil {
		return Entry{}, err
	}
	seq, err := r.readU64()
	if err != nil {
		return Entry{}, err
	}
	tombByte, err := r.readByte()
	if err != nil {
		return Entry{}, err
	}
	originLen, err := r.readU16()
	if err != nil {
		return Entry{}, err
	}
	origin, err := r.readN(int(originLen))
	if err != nil {
		return Entry{}, err
	}
	vecLen, err := r.readU16()
	if err != nil {
		return Entry{}, err
	}
	var vec map[string]uint64
	if vecLen > 0 {
		vec = make(map[string]uint64, vecLen)
		for i := uint16(0); i < vecLen; i++ {
			ol, err := r.readU16()
			if err != nil {
				return Entry{}, err
			}
			o, err := r.readN(int(ol))
			if err != nil {
				return Entry{}, err
			}
			s, err := r.readU64()
			if err != nil {
				return Entry{}, err
			}
			vec[string(o)] = s
		}
	}

	return Entry{
		Kind: Kind(kindByte),
		TxID: txID,
		Record: record.Record{
			Key:   record.Key(key),
			Value: val,
			Meta: record.Meta{
				Origin:    string(origin),
				LamportTS: lamportTS,
				Seq:       seq,
				Tombstone: tombByte != 0,
				Vector:    vec,
			},
		},
	}, nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// bytesReader is a minimal cursor over a frame body; used instead of
// bytes.Reader so short reads are reported as corruption, not io.EOF.
type bytesReader struct {
	b   []byte
	pos int
}

func (r *bytesReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return errs.New(errs.CorruptData, "wal: truncated entry body")
	}
	return nil
}

func (r *bytesReader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *bytesReader) readU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *bytesReader) readU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *bytesReader) readU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *bytesReader) readN(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// Segment is one WAL file on disk, identified by a monotonic index.
type Segment struct {
	path  string
	index uint64
	f     *os.File
	w     *bufio.Writer
}

const segmentFilePrefix = "wal-"
const segmentFileSuffix = ".log"

func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentFilePrefix, index, segmentFileSuffix))
}

// CreateSegment creates and opens a new, empty segment file for append.
func CreateSegment(dir string, index uint64) (*Segment, error) {
	path := segmentPath(dir, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "wal: create segment %s", path)
	}
	return &Segment{path: path, index: index, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one entry to the segment's buffer. Call Sync to make it
// durable.
func (s *Segment) Append(e Entry) error {
	frame := encodeEntry(e)
	if _, err := s.w.Write(frame); err != nil {
		return errs.Wrap(errs.IOError, err, "wal: append to segment %s", s.path)
	}
	return nil
}

// Sync flushes buffered writes and fsyncs the underlying file.
func (s *Segment) Sync() error {
	if err := s.w.Flush(); err != nil {
		return errs.Wrap(errs.IOError, err, "wal: flush segment %s", s.path)
	}
	if err := s.f.Sync(); err != nil {
		return errs.Wrap(errs.IOError, err, "wal: fsync segment %s", s.path)
	}
	return nil
}

// Close flushes and closes the segment file.
func (s *Segment) Close() error {
	if err := s.Sync(); err != nil {
		return err
	}
	return s.f.Close()
}

// Index is this segment's monotonic sequence number.
func (s *Segment) Index() uint64 { return s.index }

// Path is the segment's file path on disk.
func (s *Segment) Path() string { return s.path }

// ReadSegment replays every well-formed entry in a segment file, in
// order, calling fn for each. Replay stops, without error, at the first
// sign of a torn write (a header the file doesn't have enough trailing
// bytes to satisfy) since that can only be an interrupted append to the
// tail — spec.md §4.1's "truncate torn tail" rule. A checksum mismatch
// on a frame that is NOT the last one, however, is reported as
// CorruptData: a torn write only ever damages the last frame.
func ReadSegment(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "wal: open segment %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		header := make([]byte, frameHeaderSize)
		n, err := io.ReadFull(r, header)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF || (err != nil && n < frameHeaderSize) {
			return nil // torn tail: partial header, truncate here
		}
		if err != nil {
			return errs.Wrap(errs.IOError, err, "wal: read header in %s", path)
		}

		wantCRC := binary.LittleEndian.Uint32(header[0:4])
		bodyLen := binary.LittleEndian.Uint32(header[4:8])

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn tail: body shorter than declared length
			}
			return errs.Wrap(errs.IOError, err, "wal: read body in %s", path)
		}

		gotCRC := crc32.ChecksumIEEE(append(header[4:8:8], body...))
		if gotCRC != wantCRC {
			return errs.New(errs.CorruptData, "wal: checksum mismatch in %s", path)
		}

		entry, err := decodeEntry(body)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// Manager owns a directory of segment files, rotating to a new segment
// once the active one exceeds maxSegmentBytes (segment recycling, per
// spec.md §4.1) and replaying all of them on startup.
type Manager struct {
	dir             string
	maxSegmentBytes int64

	active      *Segment
	activeBytes int64
	nextIndex   uint64
}

// Open opens (creating if needed) a WAL directory, replaying every
// existing segment through applyFn in order, and leaves a fresh active
// segment ready for appends.
func Open(dir string, maxSegmentBytes int64, applyFn func(Entry) error) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "wal: mkdir %s", dir)
	}

	indices, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	for _, idx := range indices {
		if err := ReadSegment(segmentPath(dir, idx), applyFn); err != nil {
			return nil, err
		}
	}

	next := uint64(0)
	if len(indices) > 0 {
		next = indices[len(indices)-1] + 1
	}

	m := &Manager{dir: dir, maxSegmentBytes: maxSegmentBytes, nextIndex: next}
	if err := m.rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "wal: readdir %s", dir)
	}
	var indices []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) <= len(segmentFilePrefix)+len(segmentFileSuffix) {
			continue
		}
		var idx uint64
		if _, err := fmt.Sscanf(name, segmentFilePrefix+"%020d"+segmentFileSuffix, &idx); err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

func (m *Manager) rotate() error {
	if m.active != nil {
		if err := m.active.Close(); err != nil {
			return err
		}
	}
	seg, err := CreateSegment(m.dir, m.nextIndex)
	if err != nil {
		return err
	}
	m.active = seg
	m.activeBytes = 0
	m.nextIndex++
	return nil
}

// Append writes one entry to the active segment, rotating to a new
// segment first if the active one has grown past maxSegmentBytes.
func (m *Manager) Append(e Entry) error {
	if m.activeBytes >= m.maxSegmentBytes {
		if err := m.rotate(); err != nil {
			return err
		}
	}
	if err := m.active.Append(e); err != nil {
		return err
	}
	m.activeBytes += int64(frameHeaderSize + len(e.Record.Key) + len(e.Record.Value) + 64)
	return nil
}

// Sync fsyncs the active segment so every Append since the last Sync is
// durable.
func (m *Manager) Sync() error {
	return m.active.Sync()
}

// Close fsyncs and closes the active segment.
func (m *Manager) Close() error {
	return m.active.Close()
}

// SegmentCount returns the number of segment files currently on disk.
func (m *Manager) SegmentCount() int {
	indices, err := listSegments(m.dir)
	if err != nil {
		return 0
	}
	return len(indices)
}

// ActiveBytes returns the byte size of the active (unrotated) segment.
func (m *Manager) ActiveBytes() int64 {
	return m.activeBytes
}

// TruncateBefore removes every segment file strictly older than
// keepFromIndex, once the LSM engine has confirmed their contents are
// durable in flushed SSTables.
func (m *Manager) TruncateBefore(keepFromIndex uint64) error {
	indices, err := listSegments(m.dir)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if idx >= keepFromIndex {
			continue
		}
		if err := os.Remove(segmentPath(m.dir, idx)); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.IOError, err, "wal: remove segment %d", idx)
		}
	}
	return nil
}

// Reset discards every segment on disk and starts over from a single
// empty active segment. Callers that still need some of the old
// content (e.g. internal/hinted compacting a queue down to its
// still-pending entries) must re-Append it themselves after Reset
// returns.
func (m *Manager) Reset() error {
	if err := m.active.Close(); err != nil {
		return err
	}
	indices, err := listSegments(m.dir)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if err := os.Remove(segmentPath(m.dir, idx)); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.IOError, err, "wal: remove segment %d", idx)
		}
	}
	m.nextIndex = 0
	m.active = nil
	return m.rotate()
}
