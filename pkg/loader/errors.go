package loader

import (
	"errors"
	"fmt"
)

// ErrNoCompatibleFormat is returned when no registered format probe
// claims a file.
var ErrNoCompatibleFormat = errors.New("no registered format recognizes this file")

// ErrEmptyImage is returned when a file is too small for any format
// probe to answer.
var ErrEmptyImage = errors.New("file too small to identify")

// FormatError wraps an error raised while a format backend was
// decoding a file.
type FormatError struct {
	Format string
	Path   string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: loading %s: %v", e.Format, e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }
