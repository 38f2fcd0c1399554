package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
)

// Format is the encoding of a spec file.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatCUE      Format = "cue"
	FormatStarlark Format = "star"
)

// Kind tells what a spec file submits.
type Kind string

const (
	// KindMission submits a single mission.
	KindMission Kind = "mission"

	// KindRollout submits the mission to several regions.
	KindRollout Kind = "rollout"
)

// Document is a parsed and validated spec file.
type Document struct {
	// Kind is the document kind; it is inferred from the rollout section when
	// the file does not set it.
	Kind Kind `json:"kind"`

	// Source is the file the document was read from.
	Source string `json:"source"`

	// Priority is the queue priority. Lower runs first.
	Priority int `json:"priority"`

	// Mission is the mission request. For rollouts it is the per-region mission.
	Mission engine.MissionRequest `json:"mission"`

	// Rollout is set for KindRollout documents.
	Rollout *rollout.Request `json:"rollout,omitempty"`
}

// Name returns the display name of the document.
func (d *Document) Name() string {
	if d.Rollout != nil && d.Rollout.Name != "" {
		return d.Rollout.Name
	}
	return d.Mission.Name
}

// specFile is the on-disk layout of a spec document.
type specFile struct {
	Kind            Kind `yaml:"kind"`
	Priority        int  `yaml:"priority"`
	rollout.Request `yaml:",inline"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "mission.components.0.id").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	var b strings.Builder
	b.WriteString(v.File)
	if v.Line > 0 {
		fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
	}
	if v.Path != "" {
		fmt.Fprintf(&b, " %s", v.Path)
	}
	fmt.Fprintf(&b, ": %s", v.Message)
	return b.String()
}

// SpecError lists every problem found in one spec file.
type SpecError struct {
	Source string
	Errors []ValidationError
}

func (e *SpecError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return strings.Join(msgs, "; ")
}
