package hourtail

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrBucketUnavailable means an hourly directory is missing or does not yet
	// hold the expected number of files. It is not fatal on its own.
	ErrBucketUnavailable = errors.New("bucket unavailable")
	// ErrReadFailure is matched by every ReadError.
	ErrReadFailure = errors.New("read failure")
	// ErrRotationFailure is matched by every RotationError.
	ErrRotationFailure = errors.New("rotation failure")
	// ErrLineTooLong is returned when a single line does not fit in the largest
	// buffer a session is allowed to grow to.
	ErrLineTooLong = errors.New("line exceeds maximum buffer size")
)

// ReadError reports an I/O failure on one file of the active bucket. It ends
// the run because the bucket is processed as a synchronized group.
type ReadError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %q at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Is(target error) bool { return target == ErrReadFailure }

// RotationError reports that the next bucket never became ready.
type RotationError struct {
	Bucket time.Time
	Dir    string
	Err    error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotating to %s (%s): %v", e.Bucket.Format(time.RFC3339), e.Dir, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

func (e *RotationError) Is(target error) bool { return target == ErrRotationFailure }
