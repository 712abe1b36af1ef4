package benq

import (
	"bytes"
	"iter"
)

const (
	// promptChar is the command prompt serial projectors print when ready.
	promptChar = '>'

	// maxFrameSize bounds the buffer when no delimiter arrives. The longest
	// legitimate reply (modelname, macaddr) is well below this.
	maxFrameSize = 1024
)

// FramerOptions describe connection-level framing.
type FramerOptions struct {
	// Prompt treats '>' as a delimiter and discards it.
	Prompt bool

	// HashTerminated ends a frame at '#' (kept in the frame). Network
	// projectors without a prompt terminate replies this way and may
	// omit the carriage return.
	HashTerminated bool
}

// Framer splits the incoming byte stream into raw frames.
//
// The buffer persists across Feed calls so that frames split across reads
// are reassembled. Framer is not safe for concurrent use; the dispatcher
// only touches it while holding the connection.
type Framer struct {
	opts      FramerOptions
	buf       []byte
	overflows uint64
}

// NewFramer creates a framer for a connection.
func NewFramer(opts FramerOptions) *Framer {
	return &Framer{opts: opts}
}

// Feed appends p to the buffer and returns the complete frames it now
// holds. Frames are produced lazily; frames not consumed by the caller
// stay buffered and are returned by the next Feed.
//
// Frames are trimmed of surrounding whitespace and NUL bytes. Empty
// segments (CR LF pairs, blank lines) are not yielded.
func (f *Framer) Feed(p []byte) iter.Seq[[]byte] {
	f.buf = append(f.buf, p...)
	if len(f.buf) > maxFrameSize && f.nextDelimiter() < 0 {
		f.overflows++
		f.buf = f.buf[:0]
	}

	return func(yield func([]byte) bool) {
		for {
			i := f.nextDelimiter()
			if i < 0 {
				return
			}

			end := i
			if f.buf[i] == '#' {
				end = i + 1
			}
			frame := bytes.Trim(f.buf[:end], whitespace)
			frame = bytes.Clone(frame)
			f.buf = f.buf[i+1:]

			if len(frame) == 0 {
				continue
			}
			if !yield(frame) {
				return
			}
		}
	}
}

// Reset discards any partial frame. Used when the connection closes or
// before a new command so that stale bytes are not correlated with it.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// Buffered returns the number of bytes waiting for a delimiter.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Overflows returns how many times the buffer was discarded for exceeding
// maxFrameSize without a delimiter.
func (f *Framer) Overflows() uint64 {
	return f.overflows
}

func (f *Framer) nextDelimiter() int {
	for i, b := range f.buf {
		switch {
		case b == '\r', b == '\n', b == 0:
			return i
		case b == promptChar && f.opts.Prompt:
			return i
		case b == '#' && f.opts.HashTerminated:
			return i
		}
	}
	return -1
}
