package shm

import (
	"fmt"
	"io"
	"os"
)

// Writer owns the region file. Exactly one writer exists per pair; it
// creates (and zero-fills) the file on open and overwrites the full region
// every cycle in a single WriteAt call.
type Writer struct {
	f    *os.File
	path string
}

// CreateWriter creates or truncates the region file to the fixed size.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open shared region: %w", err)
	}
	if err := f.Truncate(RegionSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("size shared region: %w", err)
	}
	// Zero the region so readers never see stale bytes from a previous run.
	if _, err := f.WriteAt(make([]byte, RegionSize), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("zero shared region: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// Write publishes the snapshot, replacing the previous one.
func (w *Writer) Write(s *Snapshot) error {
	if _, err := w.f.WriteAt(Encode(s), 0); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Path returns the backing file path.
func (w *Writer) Path() string { return w.path }

// Close closes the backing file. The file itself is left in place so late
// readers see the final snapshot.
func (w *Writer) Close() error { return w.f.Close() }

// Reader opens the region file read-only. Many readers may poll the same
// region concurrently with the writer.
type Reader struct {
	f   *os.File
	buf []byte
}

// OpenReader opens the region file for polling.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shared region: %w", err)
	}
	return &Reader{f: f, buf: make([]byte, RegionSize)}, nil
}

// Read fetches and decodes the current snapshot. A partial read returns
// ErrShortRead; callers skip the cycle and retry on the next poll.
func (r *Reader) Read() (*Snapshot, error) {
	n, err := r.f.ReadAt(r.buf, 0)
	if n < RegionSize {
		if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(r.buf)
}

// Close closes the backing file.
func (r *Reader) Close() error { return r.f.Close() }
