// Package klog provides structured logging for the kernel. Log records are
// buffered in a small ring buffer until a console writer is attached via
// SetOutputSink, mirroring the early-boot logging flow where output produced
// before the tty subsystem is up must not be lost.
package klog

import (
	"io"
	"log/slog"
	"sync"
)

var (
	sinkMu sync.Mutex

	// earlyBuffer captures log output produced before SetOutputSink
	// attaches a console writer.
	earlyBuffer ringBuffer

	// outputSink is the writer log records are sent to. When nil, records
	// are redirected to the earlyBuffer.
	outputSink io.Writer

	handler slog.Handler = slog.NewTextHandler(&sinkWriter{}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
)

// sinkWriter routes writes to the attached sink or to the early ring buffer.
type sinkWriter struct{}

// Write implements io.Writer.
func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyBuffer.Write(p)
}

// SetOutputSink attaches w as the target for log output and drains any
// records accumulated in the early ring buffer into it. Passing nil reverts
// to early buffering.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Logger returns a structured logger tagged with the supplied module name.
func Logger(module string) *slog.Logger {
	return slog.New(handler).With(slog.String("module", module))
}
