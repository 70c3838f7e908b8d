// Package cmdline tokenizes kernel-style command lines such as
// /proc/cmdline into key/value arguments.
package cmdline

import (
	"os"

	"github.com/cockroachdb/errors"
)

// ErrNotASCII is returned when the input contains non-ASCII bytes.
var ErrNotASCII = errors.New("cmdline is not ascii")

const procPath = "/proc/cmdline"

// Scanner iterates over the tokens of a kernel command line.
//
// A token is a whitespace-delimited word, except that whitespace inside a
// double-quoted region does not delimit. The first '=' in a token splits it
// into key and value; a token without '=' is positional and has no key.
type Scanner struct {
	buf []byte
}

// New returns a Scanner over value. The input must be ASCII.
func New(value string) (*Scanner, error) {
	for i := range len(value) {
		if value[i] > 0x7f {
			return nil, ErrNotASCII
		}
	}
	return &Scanner{buf: []byte(value)}, nil
}

// Scan reads /proc/cmdline and returns a Scanner over it.
func Scan() (*Scanner, error) {
	data, err := os.ReadFile(procPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", procPath)
	}
	return New(string(data))
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// Next returns the next token. key is empty for positional tokens.
// ok is false once the input is exhausted.
func (s *Scanner) Next() (key, value string, ok bool) {
	for len(s.buf) > 0 && isSpace(s.buf[0]) {
		s.buf = s.buf[1:]
	}

	if len(s.buf) == 0 {
		return "", "", false
	}

	quoted := false
	equals := -1
	end := 0

	for end < len(s.buf) && (!isSpace(s.buf[end]) || quoted) {
		switch {
		case s.buf[end] == '"':
			quoted = !quoted
		case s.buf[end] == '=' && equals < 0:
			equals = end
		}
		end++
	}

	token := s.buf[:end]
	s.buf = s.buf[end:]

	if equals < 0 {
		equals = 0
	}
	lhs, rhs := token[:equals], token[equals:]

	if len(lhs) > 0 && lhs[0] == '"' {
		lhs = lhs[1:]
		if n := len(rhs); n > 0 && rhs[n-1] == '"' {
			rhs = rhs[:n-1]
		}
	}

	if len(lhs) == 0 {
		return "", string(rhs), true
	}

	rhs = rhs[1:] // the '=' itself
	if len(rhs) > 0 && rhs[0] == '"' {
		rhs = rhs[1:]
		if n := len(rhs); n > 0 && rhs[n-1] == '"' {
			rhs = rhs[:n-1]
		}
	}

	return string(lhs), string(rhs), true
}
