package workout

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileWorkout is the on-disk form. JSON files are read through the same YAML
// decoder.
type fileWorkout struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Steps       []fileStep `yaml:"steps"`
}

// fileStep holds exactly one of its fields.
type fileStep struct {
	Steady *fileSteady `yaml:"steady,omitempty"`
	Ramp   *fileRamp   `yaml:"ramp,omitempty"`
	HR     *fileHR     `yaml:"hr,omitempty"`
	Repeat *fileRepeat `yaml:"repeat,omitempty"`
}

type fileSteady struct {
	Label    string        `yaml:"label,omitempty"`
	Duration time.Duration `yaml:"duration"`
	Pct      int           `yaml:"pct"`
}

type fileRamp struct {
	Label    string        `yaml:"label,omitempty"`
	Duration time.Duration `yaml:"duration"`
	StartPct int           `yaml:"start"`
	EndPct   int           `yaml:"end"`
}

type fileHR struct {
	Label       string        `yaml:"label,omitempty"`
	Duration    time.Duration `yaml:"duration"`
	LowBpm      int           `yaml:"low"`
	HighBpm     int           `yaml:"high"`
	FallbackPct int           `yaml:"fallback"`
}

type fileRepeat struct {
	Count int        `yaml:"count"`
	Steps []fileStep `yaml:"steps"`
}

// Parse decodes and validates a workout document. When the document has no
// id one is derived from its name.
func Parse(data []byte) (Workout, error) {
	var fw fileWorkout
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fw); err != nil {
		return Workout{}, fmt.Errorf("decode workout: %w", err)
	}

	steps, err := convertSteps(fw.Steps, "steps")
	if err != nil {
		return Workout{}, err
	}
	w := Workout{
		ID:          fw.ID,
		Name:        fw.Name,
		Description: fw.Description,
		Steps:       steps,
	}
	if w.ID == "" {
		w.ID = Slug(w.Name)
	}
	if err := w.Validate(); err != nil {
		return Workout{}, err
	}
	return w, nil
}

// LoadFile reads a single workout file.
func LoadFile(path string) (Workout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workout{}, fmt.Errorf("read workout %s: %w", path, err)
	}
	w, err := Parse(data)
	if err != nil {
		return Workout{}, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// LoadDir reads every .yaml, .yml and .json file in dir, sorted by file name.
func LoadDir(dir string) ([]Workout, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workout dir %s: %w", dir, err)
	}
	var out []Workout
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		w, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func convertSteps(in []fileStep, path string) ([]Step, error) {
	out := make([]Step, 0, len(in))
	for i, fs := range in {
		at := fmt.Sprintf("%s[%d]", path, i)
		set := 0
		var step Step
		if fs.Steady != nil {
			set++
			step = Steady{Label: fs.Steady.Label, Duration: fs.Steady.Duration, Pct: fs.Steady.Pct}
		}
		if fs.Ramp != nil {
			set++
			step = Ramp{Label: fs.Ramp.Label, Duration: fs.Ramp.Duration, StartPct: fs.Ramp.StartPct, EndPct: fs.Ramp.EndPct}
		}
		if fs.HR != nil {
			set++
			step = HRTarget{
				Label:       fs.HR.Label,
				Duration:    fs.HR.Duration,
				LowBpm:      fs.HR.LowBpm,
				HighBpm:     fs.HR.HighBpm,
				FallbackPct: fs.HR.FallbackPct,
			}
		}
		if fs.Repeat != nil {
			set++
			children, err := convertSteps(fs.Repeat.Steps, at+".repeat.steps")
			if err != nil {
				return nil, err
			}
			step = RepeatBlock{Count: fs.Repeat.Count, Steps: children}
		}
		if set != 1 {
			return nil, fmt.Errorf("%w: %s: expected exactly one of steady, ramp, hr, repeat", ErrInvalidWorkout, at)
		}
		out = append(out, step)
	}
	return out, nil
}

// Slug turns a display name into a lower-case, dash separated id.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
