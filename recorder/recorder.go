// recorder/recorder.go
// Copyright(c) 2024-2025 engout contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package recorder writes and replays flight recordings: a header
// followed by a sequence of msgpack frames inside a single zstd stream.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fireeye-uav/engout/failsafe"
	"github.com/fireeye-uav/engout/sitl"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Version is bumped whenever Header or Frame change incompatibly.
const Version = 1

var (
	ErrBadVersion = errors.New("unsupported recording version")
	ErrClosed     = errors.New("recording closed")
)

type Header struct {
	Version  int                `msgpack:"version"`
	Started  time.Time          `msgpack:"started"`
	Scenario string             `msgpack:"scenario,omitempty"`
	Params   map[string]float64 `msgpack:"params"`
}

// Frame is one sample of the system. Texts holds the ground link messages
// sent since the previous frame.
type Frame struct {
	Time     time.Time       `msgpack:"time"`
	Vehicle  sitl.State      `msgpack:"vehicle"`
	Failsafe failsafe.Status `msgpack:"failsafe"`
	Texts    []sitl.Text     `msgpack:"texts,omitempty"`
}

// Writer is safe for concurrent use; AddText is typically called from a
// sitl.Sim subscription while frames are written from the tick loop.
type Writer struct {
	mu      sync.Mutex
	zw      *zstd.Encoder
	enc     *msgpack.Encoder
	closer  io.Closer
	pending []sitl.Text
	last    time.Time
	frames  int
	closed  bool

	// Interval is the minimum time between frames written by Sample.
	Interval time.Duration
}

func NewWriter(w io.Writer, hdr Header) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}

	rw := &Writer{zw: zw, enc: msgpack.NewEncoder(zw), Interval: time.Second}
	hdr.Version = Version
	if err := rw.enc.Encode(hdr); err != nil {
		zw.Close()
		return nil, fmt.Errorf("header: %w", err)
	}
	return rw, nil
}

// Create opens path for writing and starts a recording in it.
func Create(path string, hdr Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

func (w *Writer) AddText(t sitl.Text) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, t)
}

// Write appends fr to the recording along with any pending texts.
func (w *Writer) Write(fr Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(fr)
}

func (w *Writer) write(fr Frame) error {
	if w.closed {
		return ErrClosed
	}
	fr.Texts = append(fr.Texts, w.pending...)
	if err := w.enc.Encode(fr); err != nil {
		return fmt.Errorf("frame %d: %w", w.frames, err)
	}
	w.pending = nil
	w.last = fr.Time
	w.frames++
	return nil
}

// Sample writes the frame returned by fn if at least Interval has passed
// since the last frame, or if texts are pending. It reports whether a
// frame was written.
func (w *Writer) Sample(now time.Time, fn func() Frame) (bool, error) {
	w.mu.Lock()
	due := w.frames == 0 || now.Sub(w.last) >= w.Interval || len(w.pending) > 0
	w.mu.Unlock()

	// fn runs unlocked: it usually reads the simulator, whose text
	// subscription calls AddText with the simulator's lock held.
	if !due {
		return false, nil
	}
	return true, w.Write(fn())
}

func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close flushes the zstd stream and closes the underlying file if the
// Writer was opened with Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.zw.Close()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

type Reader struct {
	Header Header

	zr     *zstd.Decoder
	dec    *msgpack.Decoder
	closer io.Closer
}

func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}

	rr := &Reader{zr: zr, dec: msgpack.NewDecoder(zr)}
	if err := rr.dec.Decode(&rr.Header); err != nil {
		zr.Close()
		return nil, fmt.Errorf("header: %w", err)
	}
	if rr.Header.Version != Version {
		zr.Close()
		return nil, fmt.Errorf("%d: %w", rr.Header.Version, ErrBadVersion)
	}
	return rr, nil
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (Frame, error) {
	var fr Frame
	if err := r.dec.Decode(&fr); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	return fr, nil
}

// ReadAll returns every remaining frame.
func (r *Reader) ReadAll() ([]Frame, error) {
	var frames []Frame
	for {
		fr, err := r.Next()
		if err == io.EOF {
			return frames, nil
		} else if err != nil {
			return frames, err
		}
		frames = append(frames, fr)
	}
}

func (r *Reader) Close() error {
	r.zr.Close()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
