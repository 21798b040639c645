// Package launcher starts execution units for the supervisor. A unit either
// runs as a goroutine inside the supervisor process (InProcess) or as a child
// process with its own heap ceiling (Process); both report through the same
// Handle.
package launcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/hochfrequenz/agent-supervisor/internal/workerprotocol"
)

// Launcher starts one execution unit per call
type Launcher interface {
	// Launch starts a unit for desc. An error means nothing was started.
	Launch(ctx context.Context, desc workerprotocol.Descriptor) (Handle, error)
}

// Handle is the supervisor's view of a live unit
type Handle interface {
	// Messages delivers the unit's messages in emission order. It is closed
	// once the unit can emit no more.
	Messages() <-chan workerprotocol.Message
	// Done is closed when the unit has exited
	Done() <-chan struct{}
	// ExitStatus is valid once Done is closed
	ExitStatus() ExitStatus
	// Kill forcibly stops the unit. It is safe to call more than once and
	// after exit.
	Kill()
}

// ExitStatus describes how a unit ended
type ExitStatus struct {
	Code   int    `json:"code"`
	Killed bool   `json:"killed"`
	Detail string `json:"detail,omitempty"`
}

// Clean reports a normal zero exit
func (s ExitStatus) Clean() bool {
	return s.Code == 0 && !s.Killed
}

func (s ExitStatus) String() string {
	str := fmt.Sprintf("exit code %d", s.Code)
	if s.Killed {
		str += " (killed)"
	}
	if s.Detail != "" {
		str += ": " + s.Detail
	}
	return str
}

// errKilled is the cancellation cause of a unit stopped with Kill
var errKilled = errors.New("killed")
