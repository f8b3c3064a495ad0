// Package bloom implements the persistent probabilistic set used to
// suppress duplicate email fingerprints. No false negatives; the false
// positive rate is tuned at construction.
//
// The on-disk state is best-effort by design: the store-writer owns
// add+save, workers load read-only snapshots, and races only cost
// duplicate inserts that the storage uniqueness constraint absorbs.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	fileMagic  = 0x424c4d31 // "BLM1"
	headerSize = 16
	minBits    = 64
)

// Filter is a bloom filter backed by a flat byte array, safe for
// concurrent use within one process.
type Filter struct {
	mu   sync.RWMutex
	m    uint64 // bit count
	k    uint64 // hash count
	bits []byte
	path string
}

// New sizes a filter for the expected element count and target false
// positive rate using the standard optimal sizing:
//
//	m = ceil(-n*ln(p) / (ln 2)^2), k = round((m/n)*ln 2)
func New(path string, expected int, falsePositiveRate float64) *Filter {
	if expected < 1 {
		expected = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := uint64(math.Ceil(-float64(expected) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < minBits {
		m = minBits
	}
	k := uint64(math.Round(float64(m) / float64(expected) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{
		m:    m,
		k:    k,
		bits: make([]byte, (m+7)/8),
		path: path,
	}
}

// Seeds for the two independent hash variants behind the double-hashing
// scheme h1 + i*h2 mod m.
const (
	seedA = 0x9e3779b97f4a7c15
	seedB = 0xc2b2ae3d27d4eb4f
)

// hashPair hashes the fingerprint under two seeds; the k bit positions
// come from h1 + i*h2 mod m.
func hashPair(fingerprint string) (uint64, uint64) {
	da := xxhash.NewWithSeed(seedA)
	_, _ = da.WriteString(fingerprint)
	db := xxhash.NewWithSeed(seedB)
	_, _ = db.WriteString(fingerprint)
	h1, h2 := da.Sum64(), db.Sum64()
	if h2 == 0 {
		h2 = 0x9e3779b1
	}
	return h1, h2
}

// Add records a fingerprint.
func (f *Filter) Add(fingerprint string) {
	h1, h2 := hashPair(fingerprint)
	f.mu.Lock()
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/8] |= 1 << (pos % 8)
	}
	f.mu.Unlock()
}

// Contains reports probable membership: false means definitely absent.
func (f *Filter) Contains(fingerprint string) bool {
	h1, h2 := hashPair(fingerprint)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.k; i++ {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Clear resets the filter to empty, keeping its sizing.
func (f *Filter) Clear() {
	f.mu.Lock()
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.mu.Unlock()
}

// Save writes the bit array to the filter's path. The write goes through
// a temp file and rename so a crash never leaves a torn state file.
func (f *Filter) Save() error {
	f.mu.RLock()
	buf := make([]byte, headerSize+len(f.bits))
	binary.LittleEndian.PutUint32(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint64(buf[4:12], f.m)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.k))
	copy(buf[headerSize:], f.bits)
	f.mu.RUnlock()

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write bloom state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename bloom state: %w", err)
	}
	return nil
}

// Load restores the bit array from disk, adopting the stored sizing.
// A missing, short, or unrecognized file is treated as an empty filter.
func (f *Filter) Load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read bloom state: %w", err)
	}
	if len(data) < headerSize || binary.LittleEndian.Uint32(data[0:4]) != fileMagic {
		return nil
	}
	m := binary.LittleEndian.Uint64(data[4:12])
	k := uint64(binary.LittleEndian.Uint32(data[12:16]))
	if m < minBits || k < 1 || uint64(len(data)-headerSize) != (m+7)/8 {
		return nil
	}
	bits := make([]byte, (m+7)/8)
	copy(bits, data[headerSize:])

	f.mu.Lock()
	f.m = m
	f.k = k
	f.bits = bits
	f.mu.Unlock()
	return nil
}

// Bits returns the filter's bit-array size; used for observability.
func (f *Filter) Bits() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m
}

// Hashes returns k, the number of bit positions set per element.
func (f *Filter) Hashes() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.k
}
