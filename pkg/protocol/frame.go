package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	// MaxLineSize is the maximum allowed length of a single protocol line,
	// including the trailing newline (64 KB)
	MaxLineSize = 64 * 1024
)

var (
	ErrLineTooLong     = errors.New("line exceeds maximum size (64 KB)")
	ErrEmbeddedNewline = errors.New("encoded message contains a literal newline")
)

// ReadLine reads one newline-terminated line from the reader. It tolerates
// partial reads (the bufio.Reader accumulates until a newline arrives) and
// multiple complete lines buffered from a single read. The returned slice
// does not include the trailing newline.
//
// If a line exceeds MaxLineSize, the oversized line is consumed and discarded
// so the stream stays framed, and ErrLineTooLong is returned. Callers can
// report the error and keep reading.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)

		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(line) > MaxLineSize {
				if derr := discardLine(r); derr != nil {
					return nil, derr
				}
				return nil, ErrLineTooLong
			}
			continue
		}
		if err == io.EOF && len(line) > 0 {
			// Trailing data without a newline; treat as a final line
			return bytes.TrimRight(line, "\r"), nil
		}
		return nil, err
	}

	if len(line) > MaxLineSize {
		return nil, ErrLineTooLong
	}

	return bytes.TrimRight(line, "\r\n"), nil
}

// discardLine consumes input up to and including the next newline.
func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}

// EncodeLine marshals v as a single JSON line terminated by a newline.
// encoding/json escapes newlines inside strings, so the only '\n' byte in the
// result is the terminator; the check guards against types with custom
// marshalers that break that property.
func EncodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, ErrEmbeddedNewline
	}
	if len(data)+1 > MaxLineSize {
		return nil, ErrLineTooLong
	}
	return append(data, '\n'), nil
}
