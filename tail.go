package hourtail

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultBufferSize is the initial per-file read buffer.
const DefaultBufferSize = 100000

type sessionState int

const (
	stateReading sessionState = iota
	stateAwaitingRotation
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateAwaitingRotation:
		return "awaiting-rotation"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Session tails one file of the active bucket.
//
// offset is the first byte of the file that has neither been emitted as part
// of a line nor is held as carry-over; the carry-over lives in buf[:carry]
// and corresponds to file bytes [offset, offset+carry). The next read
// therefore starts at offset+carry.
type Session struct {
	name string
	path string
	file afero.File

	buf    []byte
	maxBuf int
	offset int64
	carry  int
	state  sessionState
}

func openSession(fs afero.Fs, name, path string, offset int64, bufSize, maxBuf int) (*Session, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open file %q", path)
	}
	if maxBuf < bufSize {
		maxBuf = bufSize
	}
	return &Session{
		name:   name,
		path:   path,
		file:   f,
		buf:    make([]byte, bufSize),
		maxBuf: maxBuf,
		offset: offset,
	}, nil
}

// Name is the file path relative to the bucket directory.
func (s *Session) Name() string { return s.name }

// Offset is the committed file position.
func (s *Session) Offset() int64 { return s.offset }

// Carry is the number of unterminated bytes held for the next cycle.
func (s *Session) Carry() int { return s.carry }

// readPos is the file position of the next byte to read.
func (s *Session) readPos() int64 { return s.offset + int64(s.carry) }

// read appends up to len(buf)-carry new bytes after the carry-over. End of
// file is not an error; it shows up as n == 0.
func (s *Session) read() (int, error) {
	if s.carry == len(s.buf) {
		if err := s.grow(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.ReadAt(s.buf[s.carry:], s.readPos())
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return n, nil
}

// grow doubles the buffer when the carry-over fills it, i.e. a single line
// is longer than the buffer.
func (s *Session) grow() error {
	if len(s.buf) >= s.maxBuf {
		return errors.Wrapf(ErrLineTooLong, "%s: %d bytes without a newline at offset %d", s.path, s.carry, s.offset)
	}
	size := 2 * len(s.buf)
	if size > s.maxBuf {
		size = s.maxBuf
	}
	buf := make([]byte, size)
	copy(buf, s.buf[:s.carry])
	s.buf = buf
	return nil
}

// frame runs the framer over the carry-over plus n new bytes, moves the new
// carry-over to the front of the buffer and advances offset by exactly the
// bytes consumed. It returns that count.
func (s *Session) frame(n int, keepBlank bool, emit func([]byte)) int {
	valid := s.carry + n
	consumed := Frame(s.buf[:valid], keepBlank, emit)
	s.carry = copy(s.buf, s.buf[consumed:valid])
	s.offset += int64(consumed)
	return consumed
}

func (s *Session) close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	return errors.Wrapf(s.file.Close(), "closing %q", s.path)
}
