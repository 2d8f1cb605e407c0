// Package diag assembles diagnostic dumps out of sections contributed by the
// memory subsystems. Dumps are plain text; since full dumps of a busy system
// run long, they can be compressed on the way out for storage in crash
// buffers or transmission over slow consoles.
package diag

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"memkern/kernel/klog"
)

// SectionFunc writes one named section of a diagnostic dump.
type SectionFunc func(io.Writer) error

type section struct {
	name string
	fn   SectionFunc
}

// Registry collects dump sections. Subsystems register a section once at
// boot; WriteDump may then be invoked at any time, including from fault
// reporting paths.
type Registry struct {
	mu       sync.Mutex
	sections []section
}

// NewRegistry returns an empty dump registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named section to the dump. Sections appear in registration
// order.
func (r *Registry) Register(name string, fn SectionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sections = append(r.sections, section{name: name, fn: fn})
}

// WriteDump writes every registered section to w, each introduced by a
// banner line and indented via a prefix writer. When compress is set the
// whole dump is brotli-compressed.
func (r *Registry) WriteDump(w io.Writer, compress bool) error {
	r.mu.Lock()
	sections := make([]section, len(r.sections))
	copy(sections, r.sections)
	r.mu.Unlock()

	target := w
	if compress {
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		target = bw
	}

	if _, err := fmt.Fprintf(target, "diagnostic dump generated at %s\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	for _, s := range sections {
		if _, err := fmt.Fprintf(target, "[%s]\n", s.name); err != nil {
			return err
		}

		indented := &klog.PrefixWriter{Sink: target, Prefix: []byte("  ")}
		if err := s.fn(indented); err != nil {
			if _, werr := fmt.Fprintf(target, "  section failed: %s\n", err); werr != nil {
				return werr
			}
		}
	}

	return nil
}
