package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config sizes the journal. Zero values fall back to the defaults.
type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
}

const (
	defaultSegmentSize     = 64 << 20
	defaultSegmentDuration = time.Hour
)

// Journal is an append-only segmented command log. Every frame is
// CRC32-checked on replay:
//
//	[type:1][seq:8][time:8][len:4][payload][crc:4]
type Journal struct {
	mu         sync.Mutex
	dir        string
	segSize    int64
	segDur     time.Duration
	current    *segment
	segIndex   int
	lastRotate time.Time
	nextSeq    uint64
}

func Open(cfg Config) (*Journal, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = defaultSegmentDuration
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	idx := nextSegmentIndex(cfg.Dir)
	seg, err := openSegment(cfg.Dir, idx)
	if err != nil {
		return nil, err
	}

	lastSeq, err := Replay(cfg.Dir, func(*Record) error { return nil })
	if err != nil {
		return nil, fmt.Errorf("journal: scan existing segments: %w", err)
	}

	return &Journal{
		dir:        cfg.Dir,
		segSize:    cfg.SegmentSize,
		segDur:     cfg.SegmentDuration,
		current:    seg,
		segIndex:   idx,
		lastRotate: time.Now(),
		nextSeq:    lastSeq,
	}, nil
}

// Log frames a new record and appends it, assigning the next sequence
// number. Returns the record for callers that want the seq.
func (j *Journal) Log(t RecordType, data []byte) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSeq++
	r := NewRecord(t, j.nextSeq, data)

	payloadLen := uint32(len(r.Data))
	buf := make([]byte, 1+8+8+4+payloadLen+4)
	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[21:], r.Data)
	binary.BigEndian.PutUint32(buf[21+payloadLen:], crc32.ChecksumIEEE(buf[:21+payloadLen]))

	if err := j.current.append(buf); err != nil {
		return nil, err
	}

	if j.current.offset >= j.segSize || time.Since(j.lastRotate) >= j.segDur {
		if err := j.rotate(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (j *Journal) rotate() error {
	_ = j.current.close()
	j.segIndex++
	seg, err := openSegment(j.dir, j.segIndex)
	if err != nil {
		return err
	}
	j.current = seg
	j.lastRotate = time.Now()
	return nil
}

// TruncateBefore removes whole segments whose records are all at or
// below seq.
func (j *Journal) TruncateBefore(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(j.dir, "segment-*.log"))
	if err != nil {
		return err
	}
	for _, path := range files {
		if path == j.current.path {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			continue
		}
		if maxSeq <= seq {
			_ = os.Remove(path)
		}
	}
	return nil
}

func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current.sync()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current.close()
}

type segment struct {
	path   string
	file   *os.File
	offset int64
}

func openSegment(dir string, index int) (*segment, error) {
	path := filepath.Join(dir, fmt.Sprintf("segment-%06d.log", index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open segment: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{path: path, file: f, offset: st.Size()}, nil
}

func (s *segment) append(b []byte) error {
	n, err := s.file.Write(b)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	s.offset += int64(n)
	return nil
}

func (s *segment) sync() error  { return s.file.Sync() }
func (s *segment) close() error { return s.file.Close() }

func nextSegmentIndex(dir string) int {
	files, err := filepath.Glob(filepath.Join(dir, "segment-*.log"))
	if err != nil || len(files) == 0 {
		return 0
	}
	max := -1
	for _, path := range files {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(path), "segment-%06d.log", &idx); err == nil && idx > max {
			max = idx
		}
	}
	return max + 1
}
