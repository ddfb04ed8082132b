package proxy

import (
	"bufio"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"krinkuto11/aceorch/lib/buffer"
)

// ErrEmptyTimeout is returned when the upstream delivers no data for the
// configured window.
var ErrEmptyTimeout = errors.New("stream empty timeout: no data received within timeout period")

const tsPacketSize = 188

// chunkWriter slices the upstream byte flow into TS-aligned chunks and
// appends them to the session buffer. onAppend fires after every chunk so
// waiting clients wake up.
type chunkWriter struct {
	buf       buffer.Buffer
	chunkSize int // multiple of tsPacketSize
	pending   []byte
	onAppend  func()
}

func newChunkWriter(buf buffer.Buffer, chunkSize int, onAppend func()) *chunkWriter {
	aligned := chunkSize - chunkSize%tsPacketSize
	if aligned < tsPacketSize {
		aligned = tsPacketSize
	}
	return &chunkWriter{
		buf:       buf,
		chunkSize: aligned,
		pending:   make([]byte, 0, aligned*2),
		onAppend:  onAppend,
	}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for len(w.pending) >= w.chunkSize {
		w.buf.Append(w.pending[:w.chunkSize])
		w.pending = w.pending[w.chunkSize:]
		w.onAppend()
	}
	return len(p), nil
}

// flush emits the aligned remainder. Trailing bytes short of one TS packet
// stay pending; they belong to the next read or die with the stream.
func (w *chunkWriter) flush() {
	aligned := len(w.pending) - len(w.pending)%tsPacketSize
	if aligned == 0 {
		return
	}
	w.buf.Append(w.pending[:aligned])
	w.pending = w.pending[aligned:]
	w.onAppend()
}

// flowCopier copies from the upstream body into the destination writer
// with an empty timeout: when no data arrives inside the window, the
// source is closed to interrupt the copy and ErrEmptyTimeout is returned.
type flowCopier struct {
	Source       io.Reader
	Destination  io.Writer
	EmptyTimeout time.Duration
	BufferSize   int

	timer          *time.Timer
	bufferedWriter *bufio.Writer
	bytesCopied    atomic.Int64
	timedOut       atomic.Bool
}

func (c *flowCopier) Copy() error {
	size := c.BufferSize
	if size <= 0 {
		size = 32 * 1024
	}
	c.bufferedWriter = bufio.NewWriterSize(c.Destination, size)
	c.timer = time.NewTimer(c.EmptyTimeout)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
		case <-c.timer.C:
			c.timedOut.Store(true)
			if closer, ok := c.Source.(io.Closer); ok {
				closer.Close()
			}
		}
	}()

	_, err := io.Copy(c, c.Source)
	if ferr := c.bufferedWriter.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if c.timedOut.Load() {
		return ErrEmptyTimeout
	}
	return err
}

// Write resets the empty timer; data is flowing.
func (c *flowCopier) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.timer == nil || c.bufferedWriter == nil {
		return 0, io.ErrClosedPipe
	}
	c.timer.Reset(c.EmptyTimeout)
	n, err := c.bufferedWriter.Write(p)
	c.bytesCopied.Add(int64(n))
	return n, err
}

// BytesCopied returns the total bytes moved so far.
func (c *flowCopier) BytesCopied() int64 { return c.bytesCopied.Load() }
