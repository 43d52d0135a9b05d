package logger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const fileFlushInterval = 2 * time.Second

// AsyncFileWriter decouples logging call sites from disk latency: Write
// enqueues the line and returns immediately, a single worker appends and
// flushes. When the queue is full the line is dropped and counted rather
// than blocking the caller.
type AsyncFileWriter struct {
	out     *bufio.Writer
	file    *os.File
	lines   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewAsyncFileWriter(path string, bufferSize int) (*AsyncFileWriter, error) {
	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}

	w := &AsyncFileWriter{
		out:   bufio.NewWriterSize(file, bufferSize),
		file:  file,
		lines: make(chan []byte, 1000),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *AsyncFileWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case w.lines <- line:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped reports how many lines were discarded because the queue was full.
func (w *AsyncFileWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *AsyncFileWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(fileFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case line := <-w.lines:
			w.append(line)
		case <-ticker.C:
			_ = w.out.Flush()
		case <-w.done:
			for len(w.lines) > 0 {
				w.append(<-w.lines)
			}
			_ = w.out.Flush()
			return
		}
	}
}

func (w *AsyncFileWriter) append(line []byte) {
	if _, err := w.out.Write(line); err != nil {
		fmt.Println("error writing log line to file", err)
	}
}

// Close drains the queue, flushes and closes the file.
func (w *AsyncFileWriter) Close() {
	close(w.done)
	w.wg.Wait()
	if n := w.dropped.Load(); n > 0 {
		fmt.Printf("async log writer dropped %d lines\n", n)
	}
	_ = w.file.Close()
}
