// Package sequence loads capture sequences and works out how much of a job
// is left to capture and how long that will take.
package sequence

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/obsched/pkg/model"
)

// CurrentVersion is the sequence file schema version written and accepted.
const CurrentVersion = 1

// Load reads a YAML capture sequence from path.
func Load(path string) (*model.Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}
	seq, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("sequence %s: %w", path, err)
	}
	return seq, nil
}

// Parse decodes and checks a YAML capture sequence.
func Parse(data []byte) (*model.Sequence, error) {
	var seq model.Sequence
	if err := yaml.Unmarshal(data, &seq); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if seq.Version == 0 {
		seq.Version = CurrentVersion
	}
	if seq.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported version %d", seq.Version)
	}
	if len(seq.Items) == 0 {
		return nil, fmt.Errorf("no capture items")
	}
	for i := range seq.Items {
		item := &seq.Items[i]
		if item.FrameType == "" {
			item.FrameType = model.FrameLight
		}
		if item.Upload == "" {
			item.Upload = model.UploadLocal
		}
		switch item.FrameType {
		case model.FrameLight, model.FrameDark, model.FrameBias, model.FrameFlat:
		default:
			return nil, fmt.Errorf("item %d: unknown frame type %q", i, item.FrameType)
		}
		if item.Count <= 0 {
			return nil, fmt.Errorf("item %d: count must be positive", i)
		}
		if item.Exposure < 0 || item.Delay < 0 {
			return nil, fmt.Errorf("item %d: exposure and delay must not be negative", i)
		}
	}
	return &seq, nil
}

// targetName is the job name as used in storage paths.
func targetName(jobName string) string {
	return strings.ReplaceAll(jobName, " ", "")
}

// usesFilterDir reports whether frames of this type are split by filter.
func usesFilterDir(item model.SequenceItem) bool {
	return item.Filter != "" && (item.FrameType == model.FrameLight || item.FrameType == model.FrameFlat)
}

// Signature is the storage location frames of item are written to.
func Signature(item model.SequenceItem, jobName string) string {
	parts := []string{item.LocalDir, targetName(jobName), string(item.FrameType)}
	if usesFilterDir(item) {
		parts = append(parts, item.Filter)
	}
	return filepath.Join(parts...)
}

// Prefix is the file name prefix of frames captured for item.
func Prefix(item model.SequenceItem, jobName string) string {
	base := item.Prefix
	if base == "" {
		base = targetName(jobName)
	}
	parts := []string{base, string(item.FrameType)}
	if usesFilterDir(item) {
		parts = append(parts, item.Filter)
	}
	parts = append(parts, strconv.FormatFloat(item.Exposure, 'f', -1, 64)+"secs")
	return strings.Join(parts, "_")
}
