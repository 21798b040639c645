package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications on the local desktop through
// osascript on macOS and notify-send on Linux. Other platforms are ignored.
type DesktopNotifier struct {
	enabled bool
	goos    string
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS}
}

// Send shows n. A missing notification tool is not an error.
func (d *DesktopNotifier) Send(ctx context.Context, n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(d.goos, n)
	if !ok {
		return nil
	}
	if _, err := exec.LookPath(name); err != nil {
		return nil
	}
	return exec.CommandContext(ctx, name, args...).Run()
}

// desktopCommand returns the command line that shows n on goos
func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + escapeAppleScript(n.Message) +
			`" with title "` + escapeAppleScript(n.Title) + `"`
		if n.SessionID != "" {
			script += ` subtitle "` + escapeAppleScript(n.AgentType+" "+n.SessionID) + `"`
		}
		return "osascript", []string{"-e", script}, true
	case "linux":
		args := []string{
			"--app-name", "agent-supervisor",
			"--urgency", urgencyForType(n.Type),
			"--icon", IconForType(n.Type),
			n.Title,
		}
		if n.Message != "" {
			args = append(args, n.Message)
		}
		return "notify-send", args, true
	}
	return "", nil, false
}

// IconForType returns the freedesktop icon name for a notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

func urgencyForType(t NotificationType) string {
	switch t {
	case NotifyError:
		return "critical"
	case NotifyInfo:
		return "low"
	default:
		return "normal"
	}
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
