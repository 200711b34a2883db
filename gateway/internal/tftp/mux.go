// Package tftp is the read-only TFTP surface of the boot gateway: loader
// binaries, per-node boot configs, and Raspberry Pi discovery files.
package tftp

import (
	"errors"
	"io"
	"regexp"
	"sync"

	"github.com/go-logr/logr"
)

// ErrNotFound is mapped to TFTP ERROR 1 (file not found) by the server.
var ErrNotFound = errors.New("file not found")

// Handler serves one TFTP read request.
type Handler interface {
	ServeTFTP(filename string, rf io.ReaderFrom) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(filename string, rf io.ReaderFrom) error

// ServeTFTP calls f.
func (f HandlerFunc) ServeTFTP(filename string, rf io.ReaderFrom) error {
	return f(filename, rf)
}

// HandlerMapping maps route regexes to handlers.
type HandlerMapping map[string]HandlerFunc

type patternHandler struct {
	pattern *regexp.Regexp
	handler Handler
}

// ServeMux routes request filenames to handlers by regex. Requests that
// match nothing get ErrNotFound.
type ServeMux struct {
	mu       sync.RWMutex
	patterns []patternHandler
	log      logr.Logger
}

// NewServeMux returns an empty mux.
func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{log: log}
}

// Handle registers a handler for a regex pattern. Panics on a malformed
// pattern; routes are wired at startup.
func (mux *ServeMux) Handle(pattern string, handler Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	regex, err := regexp.Compile(pattern)
	if err != nil {
		panic("tftp: invalid pattern " + pattern + ": " + err.Error())
	}
	mux.patterns = append(mux.patterns, patternHandler{pattern: regex, handler: handler})
}

// HandleFunc registers a handler function for a regex pattern.
func (mux *ServeMux) HandleFunc(pattern string, handler func(filename string, rf io.ReaderFrom) error) {
	mux.Handle(pattern, HandlerFunc(handler))
}

// ServeTFTP dispatches to the first pattern that matches the filename.
func (mux *ServeMux) ServeTFTP(filename string, rf io.ReaderFrom) error {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	for _, ph := range mux.patterns {
		if ph.pattern.MatchString(filename) {
			mux.log.V(2).Info("tftp request matched pattern", "filename", filename, "pattern", ph.pattern.String())
			return ph.handler.ServeTFTP(filename, rf)
		}
	}
	mux.log.Info("no tftp handler found for filename", "filename", filename)
	return ErrNotFound
}
