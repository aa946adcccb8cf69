package shvrpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalidRI is returned by ParseRI for malformed resource identifiers.
var ErrInvalidRI = errors.New("invalid shv ri")

// RI is a resource identifier selecting signals by path, source method and
// signal name. Each part is a glob pattern where '*' matches any run of
// characters, slashes included.
type RI struct {
	Path   string
	Method string
	Signal string

	path   glob.Glob
	method glob.Glob
	signal glob.Glob
}

// ParseRI parses "path:method[:signal]". The path may be empty (the root
// node); the method must not be. An omitted signal part matches every
// signal.
func ParseRI(s string) (RI, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return RI{}, fmt.Errorf("%w %q: method part is missing", ErrInvalidRI, s)
	}
	ri := RI{Path: parts[0], Method: parts[1], Signal: "*"}
	if ri.Method == "" {
		return RI{}, fmt.Errorf("%w %q: method part is empty", ErrInvalidRI, s)
	}
	if len(parts) == 3 {
		if parts[2] == "" {
			return RI{}, fmt.Errorf("%w %q: signal part is empty", ErrInvalidRI, s)
		}
		ri.Signal = parts[2]
	}

	var err error
	if ri.path, err = glob.Compile(ri.Path); err != nil {
		return RI{}, fmt.Errorf("%w %q: path pattern: %v", ErrInvalidRI, s, err)
	}
	if ri.method, err = glob.Compile(ri.Method); err != nil {
		return RI{}, fmt.Errorf("%w %q: method pattern: %v", ErrInvalidRI, s, err)
	}
	if ri.signal, err = glob.Compile(ri.Signal); err != nil {
		return RI{}, fmt.Errorf("%w %q: signal pattern: %v", ErrInvalidRI, s, err)
	}
	return ri, nil
}

// MustParseRI is like ParseRI but panics on error.
func MustParseRI(s string) RI {
	ri, err := ParseRI(s)
	if err != nil {
		panic(err)
	}
	return ri
}

// Matches reports whether a signal emitted on path by the given source method
// is selected by ri. An empty source method is treated as "get", the implicit
// source of value change signals.
func (ri RI) Matches(path, method, signal string) bool {
	if ri.path == nil {
		return false
	}
	if method == "" {
		method = "get"
	}
	return ri.path.Match(path) && ri.method.Match(method) && ri.signal.Match(signal)
}

// MatchesMessage is Matches applied to a decoded signal message.
func (ri RI) MatchesMessage(m Message) bool {
	return ri.Matches(m.Path, m.Method, m.Signal)
}

func (ri RI) String() string {
	return ri.Path + ":" + ri.Method + ":" + ri.Signal
}
