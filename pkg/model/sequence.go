package model

// FrameType is the kind of frame captured by a sequence item.
type FrameType string

const (
	FrameLight FrameType = "Light"
	FrameDark  FrameType = "Dark"
	FrameBias  FrameType = "Bias"
	FrameFlat  FrameType = "Flat"
)

// UploadMode selects where captured frames are stored.
type UploadMode string

const (
	UploadLocal  UploadMode = "local"
	UploadRemote UploadMode = "remote"
)

// SequenceItem is one line of a capture sequence.
type SequenceItem struct {
	Count     int        `yaml:"count" json:"count"`
	Exposure  float64    `yaml:"exposure" json:"exposure"` // seconds
	Delay     float64    `yaml:"delay,omitempty" json:"delay,omitempty"`
	Filter    string     `yaml:"filter,omitempty" json:"filter,omitempty"`
	FrameType FrameType  `yaml:"type" json:"type"`
	Upload    UploadMode `yaml:"upload,omitempty" json:"upload,omitempty"`
	LocalDir  string     `yaml:"dir,omitempty" json:"dir,omitempty"`
	Prefix    string     `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Sequence is the capture plan of a job.
type Sequence struct {
	Version   int            `yaml:"version" json:"version"`
	AutoFocus bool           `yaml:"autofocus,omitempty" json:"autofocus,omitempty"`
	Items     []SequenceItem `yaml:"items" json:"items"`
}
