package store

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// DefaultBatchThreshold is how many appended records trigger a flush.
const DefaultBatchThreshold = 100

// BatchedStore is a buffered append-only writer of accepted
// (fingerprint, domain) pairs, one tab-separated pair per line. Single
// owner per file path by convention.
type BatchedStore struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	pending   int
	threshold int
}

// OpenBatchedStore opens (appending) the log at path. threshold <= 0
// takes the default.
func OpenBatchedStore(path string, threshold int) (*BatchedStore, error) {
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open batched store: %w", err)
	}
	return &BatchedStore{
		f:         f,
		w:         bufio.NewWriter(f),
		threshold: threshold,
	}, nil
}

// Append buffers one record, flushing when the threshold is reached.
func (b *BatchedStore) Append(fingerprint, domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := fmt.Fprintf(b.w, "%s\t%s\n", fingerprint, domain); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	b.pending++
	if b.pending >= b.threshold {
		return b.flushLocked()
	}
	return nil
}

// Flush forces buffered records to disk.
func (b *BatchedStore) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *BatchedStore) flushLocked() error {
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("flush batched store: %w", err)
	}
	b.pending = 0
	return nil
}

// Pending returns the number of records buffered since the last flush.
func (b *BatchedStore) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Close flushes and closes the underlying file.
func (b *BatchedStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushLocked(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}
