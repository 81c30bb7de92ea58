package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is a size-rotated log file. Safe for concurrent writers.
type RotatingWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64 // bytes
	maxAge      int   // days
	maxBackups  int   // rotated files kept, 0 keeps all
	compress    bool
	currentFile *os.File
	currentSize int64
}

// RotationOption tunes a RotatingWriter.
type RotationOption func(*RotatingWriter)

// WithMaxBackups caps how many rotated files are kept next to the live log.
func WithMaxBackups(n int) RotationOption {
	return func(w *RotatingWriter) { w.maxBackups = n }
}

// NewRotatingWriter opens filename for appending and rotates it once it
// grows past maxSizeMB.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool, opts ...RotationOption) (*RotatingWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open file
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Get current size
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	rw := &RotatingWriter{
		filename:    filename,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxAge:      maxAge,
		compress:    compress,
		currentFile: file,
		currentSize: info.Size(),
	}
	for _, opt := range opts {
		opt(rw)
	}

	go rw.cleanup()

	return rw, nil
}

// Write writes data to the log file, rotating if necessary
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	if w.currentFile == nil {
		return 0, os.ErrClosed
	}
	n, err = w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current log file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	return nil
}

// rotate rotates the log file
func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	// Millisecond stamps keep back-to-back rotations from colliding.
	timestamp := time.Now().Format("20060102-150405.000")
	rotatedName := fmt.Sprintf("%s.%s", w.filename, timestamp)

	if err := os.Rename(w.filename, rotatedName); err != nil {
		return err
	}

	if w.compress {
		go func() {
			_ = w.compressFile(rotatedName)
			w.cleanup()
		}()
	} else {
		go w.cleanup()
	}

	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}

	w.currentFile = file
	w.currentSize = 0

	return nil
}

// compressFile compresses a log file
func (w *RotatingWriter) compressFile(filename string) error {
	// Open source file
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	// Create compressed file
	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	// Create gzip writer
	gzw := gzip.NewWriter(dst)
	defer gzw.Close()

	// Copy data
	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}

	// Remove original file
	return os.Remove(filename)
}

// cleanup drops rotated files older than maxAge and all but the newest
// maxBackups.
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 && w.maxBackups <= 0 {
		return
	}

	// Get directory
	dir := filepath.Dir(w.filename)
	base := filepath.Base(w.filename)

	// Find old files
	files, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return
	}

	// Rotated names carry their timestamp, so name order is age order.
	type fileInfo struct {
		path    string
		modTime time.Time
	}

	var infos []fileInfo
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		infos = append(infos, fileInfo{
			path:    file,
			modTime: info.ModTime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].path < infos[j].path
	})

	excess := 0
	if w.maxBackups > 0 && len(infos) > w.maxBackups {
		excess = len(infos) - w.maxBackups
	}
	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for i, info := range infos {
		if i < excess || (w.maxAge > 0 && info.modTime.Before(cutoff)) {
			os.Remove(info.path)
			// Also remove .gz file if it exists
			if !strings.HasSuffix(info.path, ".gz") {
				os.Remove(info.path + ".gz")
			}
		}
	}
}
