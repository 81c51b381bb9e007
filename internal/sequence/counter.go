package sequence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/obsched/pkg/model"
)

// FrameCounter counts frames already captured at a storage signature.
type FrameCounter interface {
	Count(signature, prefix string) (int, error)
}

// DirCounter counts files in the signature directory whose base name starts
// with the frame prefix.
type DirCounter struct{}

// Count implements FrameCounter. A missing directory counts as zero.
func (DirCounter) Count(signature, prefix string) (int, error) {
	entries, err := os.ReadDir(signature)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("count frames in %s: %w", signature, err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasPrefix(base, prefix) {
			n++
		}
	}
	return n, nil
}

// MapCounter keeps frame counts in memory, keyed by signature.
type MapCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMapCounter creates an empty in-memory counter.
func NewMapCounter() *MapCounter {
	return &MapCounter{counts: make(map[string]int)}
}

// Add records n more frames at signature.
func (m *MapCounter) Add(signature string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[signature] += n
}

// Seed raises the count at each signature to at least the given value.
func (m *MapCounter) Seed(counts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sig, n := range counts {
		if n > m.counts[sig] {
			m.counts[sig] = n
		}
	}
}

// Count implements FrameCounter.
func (m *MapCounter) Count(signature, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[signature], nil
}

// CountCaptured counts the frames on disk for every locally stored item of
// seq. Items stored remotely are skipped.
func CountCaptured(seq *model.Sequence, jobName string, counter FrameCounter) (map[string]int, error) {
	out := make(map[string]int, len(seq.Items))
	for _, item := range seq.Items {
		if item.Upload == model.UploadRemote {
			continue
		}
		sig := Signature(item, jobName)
		if _, ok := out[sig]; ok {
			continue
		}
		n, err := counter.Count(sig, Prefix(item, jobName))
		if err != nil {
			return nil, err
		}
		out[sig] = n
	}
	return out, nil
}
