// Package workerprotocol defines the messages a worker execution unit sends
// to its supervisor. In-process units hand Message values over channels;
// child-process units write them as JSON lines on stdout.
package workerprotocol

import (
	"encoding/json"
	"time"
)

// Kind is the type discriminator of a message
type Kind string

const (
	KindStarted      Kind = "started"
	KindProgress     Kind = "progress"
	KindMemoryReport Kind = "memory_report"
	KindResult       Kind = "result"
	KindError        Kind = "error"
	KindTerminated   Kind = "terminated"
)

// Message is implemented by every message a unit can emit. The set is closed:
// anything decoded with an unrecognised type becomes an Unknown.
type Message interface {
	Kind() Kind
	isMessage()
}

// Started is emitted once, before the task body runs
type Started struct {
	PID int       `json:"pid"`
	At  time.Time `json:"at"`
}

// Progress carries informational output from the task body
type Progress struct {
	Message string  `json:"message"`
	Percent float64 `json:"percent,omitempty"`
}

// MemoryReport is emitted periodically while the task body runs
type MemoryReport struct {
	HeapUsedMB  float64 `json:"heap_used_mb"`
	HeapTotalMB float64 `json:"heap_total_mb"`
	HeapUsedPct float64 `json:"heap_used_pct"`
	RSSMB       float64 `json:"rss_mb"`
}

// Result is the terminal message of a successful unit
type Result struct {
	Output       json.RawMessage `json:"output"`
	DurationMs   int64           `json:"duration_ms"`
	MemoryPeakMB float64         `json:"memory_peak_mb"`
}

// ErrorKind says where a unit failed
type ErrorKind string

const (
	ErrorStartup ErrorKind = "startup"
	ErrorTask    ErrorKind = "task"
	ErrorPanic   ErrorKind = "panic"
)

// Error is the terminal message of a failed unit
type Error struct {
	Origin       ErrorKind `json:"origin"`
	Message      string    `json:"message"`
	Stack        string    `json:"stack,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	MemoryPeakMB float64   `json:"memory_peak_mb"`
}

// Terminated is emitted when the unit received a termination signal
type Terminated struct {
	Signal string `json:"signal,omitempty"`
}

// Unknown holds a decoded message whose type this version does not know
type Unknown struct {
	Type    string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

func (Started) Kind() Kind      { return KindStarted }
func (Progress) Kind() Kind     { return KindProgress }
func (MemoryReport) Kind() Kind { return KindMemoryReport }
func (Result) Kind() Kind       { return KindResult }
func (Error) Kind() Kind        { return KindError }
func (Terminated) Kind() Kind   { return KindTerminated }
func (u Unknown) Kind() Kind    { return Kind(u.Type) }

func (Started) isMessage()      {}
func (Progress) isMessage()     {}
func (MemoryReport) isMessage() {}
func (Result) isMessage()       {}
func (Error) isMessage()        {}
func (Terminated) isMessage()   {}
func (Unknown) isMessage()      {}

// IsTerminal reports whether m ends a unit's reporting: result, error or terminated
func IsTerminal(m Message) bool {
	switch m.(type) {
	case Result, Error, Terminated:
		return true
	}
	return false
}
