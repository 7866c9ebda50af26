package domain

import "time"

// ProgressKind names the populated facet of a Progress value.
type ProgressKind int

const (
	ProgressFraction ProgressKind = iota
	ProgressDuration
	ProgressBuffering
	ProgressRename
	ProgressMessage
	ProgressIndeterminate
)

func (k ProgressKind) String() string {
	switch k {
	case ProgressFraction:
		return "fraction"
	case ProgressDuration:
		return "duration"
	case ProgressBuffering:
		return "buffering"
	case ProgressRename:
		return "rename"
	case ProgressMessage:
		return "message"
	default:
		return "indeterminate"
	}
}

// Progress is a transient progress notice. Exactly one facet, selected by
// Kind, is meaningful.
type Progress struct {
	Kind     ProgressKind  `json:"kind"`
	Fraction float64       `json:"fraction,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Total    time.Duration `json:"total,omitempty"`
	Level    float64       `json:"level,omitempty"`
	OldName  string        `json:"old_name,omitempty"`
	NewName  string        `json:"new_name,omitempty"`
	Message  string        `json:"message,omitempty"`
}

func FractionProgress(f float64) Progress { return Progress{Kind: ProgressFraction, Fraction: f} }

func DurationProgress(elapsed, total time.Duration) Progress {
	return Progress{Kind: ProgressDuration, Elapsed: elapsed, Total: total}
}

func BufferingProgress(level float64) Progress { return Progress{Kind: ProgressBuffering, Level: level} }

func RenameProgress(oldName, newName string) Progress {
	return Progress{Kind: ProgressRename, OldName: oldName, NewName: newName}
}

func MessageProgress(msg string) Progress { return Progress{Kind: ProgressMessage, Message: msg} }

func IndeterminateProgress() Progress { return Progress{Kind: ProgressIndeterminate} }
