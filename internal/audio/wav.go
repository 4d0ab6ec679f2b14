package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const wavHeaderBytes = 44

// writeWAVHeader writes a PCM16LE mono RIFF header for dataSize bytes of samples.
func writeWAVHeader(w io.Writer, dataSize uint32, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'}, uint32(36) + dataSize, [4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '}, uint32(16), uint16(audioFormat), uint16(numChannels),
		uint32(sampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'}, dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// Source is the microphone feed a recorder taps.
type Source interface {
	Subscribe() (<-chan []byte, func())
	SampleRate() int
}

// Recorder streams one call's microphone audio into a WAV file. The header sizes are
// patched when the recording is closed.
type Recorder struct {
	path       string
	file       *os.File
	w          *bufio.Writer
	sampleRate int
	unsub      func()

	mu      sync.Mutex
	written uint32
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// StartRecording creates path and copies frames from src until Close or the feed ends.
func StartRecording(path string, src Source) (*Recorder, error) {
	if src == nil {
		return nil, errors.New("recording source is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	r := &Recorder{
		path:       path,
		file:       f,
		w:          bufio.NewWriter(f),
		sampleRate: src.SampleRate(),
		done:       make(chan struct{}),
	}
	if err := writeWAVHeader(r.w, 0, r.sampleRate); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	frames, unsub := src.Subscribe()
	r.unsub = unsub
	go r.copy(frames)
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

// Bytes reports how many PCM bytes have been written so far.
func (r *Recorder) Bytes() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Recorder) copy(frames <-chan []byte) {
	defer close(r.done)
	for frame := range frames {
		r.mu.Lock()
		if r.err == nil {
			if _, err := r.w.Write(frame); err != nil {
				r.err = err
				log.Printf("audio: recording %s: %v", r.path, err)
			} else {
				r.written += uint32(len(frame))
			}
		}
		r.mu.Unlock()
	}
}

// Close stops the tap, finalizes the header and closes the file.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.unsub()
		<-r.done

		r.mu.Lock()
		defer r.mu.Unlock()
		err = r.err
		if flushErr := r.w.Flush(); err == nil {
			err = flushErr
		}
		if err == nil {
			if _, seekErr := r.file.Seek(0, io.SeekStart); seekErr != nil {
				err = seekErr
			} else {
				err = writeWAVHeader(r.file, r.written, r.sampleRate)
			}
		}
		if closeErr := r.file.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}
