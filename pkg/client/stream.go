package client

import (
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// ReadStream reads a plain-text answer stream, calling onDelta for each
// decoded fragment. Multi-byte runes split across reads are held back until
// complete. It returns the text read so far, also on error.
func ReadStream(r io.Reader, onDelta func(string) error) (string, error) {
	var (
		full    strings.Builder
		pending []byte
		buf     = make([]byte, 4096)
	)
	emit := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		s := string(b)
		full.WriteString(s)
		if onDelta == nil {
			return nil
		}
		return onDelta(s)
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completePrefix(pending)
			if emitErr := emit(pending[:cut]); emitErr != nil {
				return full.String(), emitErr
			}
			pending = append(pending[:0], pending[cut:]...)
		}
		if errors.Is(err, io.EOF) {
			if emitErr := emit(pending); emitErr != nil {
				return full.String(), emitErr
			}
			return full.String(), nil
		}
		if err != nil {
			return full.String(), err
		}
	}
}

// completePrefix returns the length of b without a trailing partial rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
