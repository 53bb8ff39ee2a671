package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"llmnode/internal/common/fsutil"
	"llmnode/internal/engine"
)

// Snapshot file layout: 4-byte magic, little-endian uint16 version, then a
// zstd stream holding one msgpack-encoded snapshotRecord.
const (
	snapshotMagic          = "LLSN"
	SnapshotVersion uint16 = 1
	headerLen              = len(snapshotMagic) + 2
)

var (
	// ErrIncompatibleSnapshot marks a well-formed snapshot that cannot be
	// restored into the current engine (version or layout mismatch).
	ErrIncompatibleSnapshot = errors.New("incompatible snapshot")
	// ErrCorruptSnapshot marks a file that does not decode as a snapshot.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// SnapshotError describes a failed snapshot load. It matches
// ErrIncompatibleSnapshot or ErrCorruptSnapshot via errors.Is, as well as the
// underlying cause.
type SnapshotError struct {
	Path string
	Kind error
	Err  error
}

func (e *SnapshotError) Error() string {
	msg := "session load failed: " + e.Path
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SnapshotError) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsSnapshotError reports whether err is or wraps a SnapshotError.
func IsSnapshotError(err error) bool {
	var se *SnapshotError
	return errors.As(err, &se)
}

type snapshotRecord struct {
	Layout  engine.Layout    `msgpack:"layout"`
	KV      []byte           `msgpack:"kv"`
	History []engine.TokenID `msgpack:"history"`
	Fresh   bool             `msgpack:"fresh"`
	SavedAt int64            `msgpack:"saved_at"`
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(err)
	}
}

// Encode serializes the session into snapshot bytes.
func Encode(s *Session) ([]byte, error) {
	kv, err := s.eng.State()
	if err != nil {
		return nil, fmt.Errorf("read engine state: %w", err)
	}
	raw, err := msgpack.Marshal(&snapshotRecord{
		Layout:  s.eng.Layout(),
		KV:      kv,
		History: s.history,
		Fresh:   s.fresh,
		SavedAt: time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := make([]byte, headerLen, headerLen+len(raw)/2)
	copy(out, snapshotMagic)
	binary.LittleEndian.PutUint16(out[len(snapshotMagic):], SnapshotVersion)
	return encoder.EncodeAll(raw, out), nil
}

// Save writes the session to path atomically.
func Save(s *Session, path string) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// Decode restores snapshot bytes into eng. The engine's KV-cache is only
// overwritten once the whole record validated.
func Decode(data []byte, eng engine.Engine, cancel *CancelFlag) (*Session, error) {
	if len(data) < headerLen || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, &SnapshotError{Kind: ErrCorruptSnapshot, Err: errors.New("bad magic")}
	}
	if v := binary.LittleEndian.Uint16(data[len(snapshotMagic):]); v != SnapshotVersion {
		return nil, &SnapshotError{Kind: ErrIncompatibleSnapshot, Err: fmt.Errorf("version %d, want %d", v, SnapshotVersion)}
	}
	raw, err := decoder.DecodeAll(data[headerLen:], nil)
	if err != nil {
		return nil, &SnapshotError{Kind: ErrCorruptSnapshot, Err: err}
	}
	var rec snapshotRecord
	if err := msgpack.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, &SnapshotError{Kind: ErrCorruptSnapshot, Err: err}
	}
	if want := eng.Layout(); rec.Layout != want {
		return nil, &SnapshotError{Kind: ErrIncompatibleSnapshot, Err: fmt.Errorf("layout %+v, engine has %+v", rec.Layout, want)}
	}
	if rec.Layout.StateSize > 0 && len(rec.KV) != rec.Layout.StateSize {
		return nil, &SnapshotError{Kind: ErrCorruptSnapshot, Err: fmt.Errorf("kv is %d bytes, layout says %d", len(rec.KV), rec.Layout.StateSize)}
	}
	if len(rec.History) > rec.Layout.ContextSize {
		return nil, &SnapshotError{Kind: ErrCorruptSnapshot, Err: fmt.Errorf("history of %d tokens exceeds window %d", len(rec.History), rec.Layout.ContextSize)}
	}
	if err := eng.SetState(rec.KV); err != nil {
		return nil, &SnapshotError{Kind: ErrIncompatibleSnapshot, Err: err}
	}
	if cancel == nil {
		cancel = &CancelFlag{}
	}
	return &Session{eng: eng, history: rec.History, fresh: rec.Fresh, cancel: cancel}, nil
}

// Load reads a snapshot file and restores it into eng.
func Load(path string, eng engine.Engine, cancel *CancelFlag) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SnapshotError{Path: path, Err: err}
	}
	s, err := Decode(data, eng, cancel)
	if err != nil {
		var se *SnapshotError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return s, nil
}

// Open loads path into eng. Only when the file does not exist and
// createIfMissing is set does it fall back to a fresh session; every other
// failure is returned. created reports which of the two happened.
func Open(path string, eng engine.Engine, cancel *CancelFlag, createIfMissing bool) (s *Session, created bool, err error) {
	s, err = Load(path, eng, cancel)
	if err == nil {
		return s, false, nil
	}
	if createIfMissing && errors.Is(err, fs.ErrNotExist) {
		s, err = New(eng, cancel)
		return s, err == nil, err
	}
	return nil, false, err
}
