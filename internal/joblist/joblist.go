// Package joblist reads and writes the versioned YAML job list.
package joblist

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/me/obsched/internal/constraint"
	"github.com/me/obsched/pkg/model"
)

// CurrentVersion is the only job list schema version accepted.
const CurrentVersion = 1

// Document is the on-disk job list.
type Document struct {
	Version int      `yaml:"version"`
	Jobs    []Record `yaml:"jobs"`
}

// Record is one job as stored in the job list.
type Record struct {
	ID          string      `yaml:"id,omitempty"`
	Name        string      `yaml:"name" validate:"required"`
	Profile     string      `yaml:"profile,omitempty"`
	Priority    int         `yaml:"priority" validate:"gte=0,lte=20"`
	Target      Target      `yaml:"target"`
	Sequence    string      `yaml:"sequence" validate:"required"`
	FITS        string      `yaml:"fits,omitempty"`
	Startup     Startup     `yaml:"startup"`
	Constraints Constraints `yaml:"constraints"`
	Completion  Completion  `yaml:"completion"`
	Steps       []string    `yaml:"steps" validate:"dive,oneof=track focus align guide"`
}

// Target is a J2000 position.
type Target struct {
	RAHours    float64 `yaml:"ra_hours" validate:"gte=0,lt=24"`
	DecDegrees float64 `yaml:"dec_degrees" validate:"gte=-90,lte=90"`
}

// Startup selects when a job may start.
type Startup struct {
	Condition     string     `yaml:"condition" validate:"omitempty,oneof=asap culmination at"`
	OffsetMinutes int        `yaml:"offset_minutes,omitempty" validate:"gte=-720,lte=720"`
	Time          *time.Time `yaml:"time,omitempty" validate:"required_if=Condition at"`
}

// Constraints restrict when a job may run.
type Constraints struct {
	MinAltitude       *float64 `yaml:"min_altitude,omitempty" validate:"omitempty,gte=0,lte=90"`
	MinMoonSeparation *float64 `yaml:"min_moon_separation,omitempty" validate:"omitempty,gte=0,lte=180"`
	EnforceWeather    bool     `yaml:"enforce_weather"`
	EnforceTwilight   bool     `yaml:"enforce_twilight"`
	Expression        string   `yaml:"expression,omitempty"`
}

// Completion selects when a job is finished.
type Completion struct {
	Condition string     `yaml:"condition" validate:"omitempty,oneof=sequence repeat loop at"`
	Repeats   int        `yaml:"repeats,omitempty" validate:"required_if=Condition repeat,gte=0"`
	Time      *time.Time `yaml:"time,omitempty" validate:"required_if=Condition at"`
}

var validate = validator.New()

// NewID returns a fresh job identifier.
func NewID() string {
	return "job_" + uuid.New().String()
}

// Load decodes a job list. It returns the jobs in file order and warnings
// about duplicate job names, which are allowed.
func Load(r io.Reader) ([]*model.Job, []string, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("parse job list: %w", err)
	}
	if doc.Version != CurrentVersion {
		return nil, nil, fmt.Errorf("unsupported job list version %d", doc.Version)
	}

	var errs []error
	jobs := make([]*model.Job, 0, len(doc.Jobs))
	seen := make(map[string]int)
	var warnings []string

	for i, rec := range doc.Jobs {
		if err := Validate(rec, i); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[rec.Name]++; seen[rec.Name] == 2 {
			warnings = append(warnings, fmt.Sprintf("duplicate job name %q", rec.Name))
		}
		jobs = append(jobs, rec.ToJob())
	}
	if len(errs) > 0 {
		return nil, warnings, errors.Join(errs...)
	}
	return jobs, warnings, nil
}

// Validate checks a record's field constraints.
// The constraint expression must compile.
func Validate(rec Record, index int) error {
	name := rec.Name
	if name == "" {
		name = fmt.Sprintf("#%d", index)
	}
	out := &model.ValidationError{Job: name}

	if err := validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate job %d: %w", index, err)
		}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, model.FieldError{
				Field:   fe.Field(),
				Path:    strings.TrimPrefix(fe.Namespace(), "Record."),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			})
		}
	}
	if err := constraint.Compile(rec.Constraints.Expression); err != nil {
		out.Fields = append(out.Fields, model.FieldError{
			Field:   "Expression",
			Path:    "Constraints.Expression",
			Message: err.Error(),
		})
	}

	if len(out.Fields) == 0 {
		return nil
	}
	return out
}

// ToJob converts the record to a freshly reset job.
func (rec Record) ToJob() *model.Job {
	id := rec.ID
	if id == "" {
		id = NewID()
	}
	j := model.NewJob(id, rec.Name)
	j.Profile = rec.Profile
	j.Priority = rec.Priority
	j.Target = model.Coordinates{RAHours: rec.Target.RAHours, DecDegrees: rec.Target.DecDegrees}
	j.SequenceFile = rec.Sequence
	j.FITSFile = rec.FITS

	switch rec.Startup.Condition {
	case "culmination":
		j.StartupCondition = model.StartCulmination
		j.CulminationOffset = rec.Startup.OffsetMinutes
	case "at":
		j.StartupCondition = model.StartAt
		j.StartupTime = rec.Startup.Time.UTC()
	default:
		j.StartupCondition = model.StartASAP
	}

	if rec.Constraints.MinAltitude != nil {
		j.MinAltitude = *rec.Constraints.MinAltitude
	}
	if rec.Constraints.MinMoonSeparation != nil {
		j.MinMoonSeparation = *rec.Constraints.MinMoonSeparation
	}
	j.EnforceWeather = rec.Constraints.EnforceWeather
	j.EnforceTwilight = rec.Constraints.EnforceTwilight
	j.Constraint = rec.Constraints.Expression

	switch rec.Completion.Condition {
	case "repeat":
		j.CompletionCondition = model.FinishRepeat
		j.RepeatsRequired = rec.Completion.Repeats
	case "loop":
		j.CompletionCondition = model.FinishLoop
	case "at":
		j.CompletionCondition = model.FinishAt
		j.CompletionTime = rec.Completion.Time.UTC()
	default:
		j.CompletionCondition = model.FinishSequence
	}

	if rec.Steps == nil {
		j.Pipeline = model.StepTrack | model.StepFocus | model.StepAlign | model.StepGuide
	}
	for _, name := range rec.Steps {
		if s, ok := model.ParseStep(name); ok {
			j.Pipeline |= s
		}
	}

	j.SnapshotStartup()
	j.Reset()
	return j
}

// FromJob builds the record for a job, using the startup condition the job
// was loaded with rather than its runtime resolution.
func FromJob(j *model.Job) Record {
	rec := Record{
		ID:       j.ID,
		Name:     j.Name,
		Profile:  j.Profile,
		Priority: j.Priority,
		Target:   Target{RAHours: j.Target.RAHours, DecDegrees: j.Target.DecDegrees},
		Sequence: j.SequenceFile,
		FITS:     j.FITSFile,
		Constraints: Constraints{
			EnforceWeather:  j.EnforceWeather,
			EnforceTwilight: j.EnforceTwilight,
			Expression:      j.Constraint,
		},
		Steps: j.Pipeline.Names(),
	}

	switch j.FileStartupCondition {
	case model.StartCulmination:
		rec.Startup = Startup{Condition: "culmination", OffsetMinutes: j.CulminationOffset}
	case model.StartAt:
		t := j.FileStartupTime
		rec.Startup = Startup{Condition: "at", Time: &t}
	default:
		rec.Startup = Startup{Condition: "asap"}
	}

	if j.MinAltitude >= 0 {
		v := j.MinAltitude
		rec.Constraints.MinAltitude = &v
	}
	if j.MinMoonSeparation >= 0 {
		v := j.MinMoonSeparation
		rec.Constraints.MinMoonSeparation = &v
	}

	switch j.CompletionCondition {
	case model.FinishRepeat:
		rec.Completion = Completion{Condition: "repeat", Repeats: j.RepeatsRequired}
	case model.FinishLoop:
		rec.Completion = Completion{Condition: "loop"}
	case model.FinishAt:
		t := j.CompletionTime
		rec.Completion = Completion{Condition: "at", Time: &t}
	default:
		rec.Completion = Completion{Condition: "sequence"}
	}
	return rec
}

// Save writes jobs as a job list document.
func Save(w io.Writer, jobs []*model.Job) error {
	doc := Document{Version: CurrentVersion, Jobs: make([]Record, 0, len(jobs))}
	for _, j := range jobs {
		doc.Jobs = append(doc.Jobs, FromJob(j))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode job list: %w", err)
	}
	return enc.Close()
}

// LoadFile reads the job list at path.
func LoadFile(path string) ([]*model.Job, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open job list: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// SaveFile writes jobs to path, replacing it atomically.
func SaveFile(path string, jobs []*model.Job) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create job list: %w", err)
	}
	if err := Save(f, jobs); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close job list: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace job list: %w", err)
	}
	return nil
}
