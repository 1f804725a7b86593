package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/gen2brain/beeep"
)

// libraryChannel delivers through the beeep library.
type libraryChannel struct{}

func (*libraryChannel) Name() string { return "beeep" }

func (*libraryChannel) Send(title, message string, urgency Urgency) error {
	if urgency == UrgencyCritical {
		return beeep.Alert(title, message, "")
	}
	return beeep.Notify(title, message, "")
}

// platformChannel shells out to the OS notification command.
type platformChannel struct {
	goos string
}

func newPlatformChannel() *platformChannel {
	return &platformChannel{goos: runtime.GOOS}
}

func (c *platformChannel) Name() string {
	switch c.goos {
	case "darwin":
		return "osascript"
	case "windows":
		return "powershell"
	default:
		return "notify-send"
	}
}

func (c *platformChannel) Send(title, message string, urgency Urgency) error {
	switch c.goos {
	case "linux":
		args := []string{"-a", applicationName}
		switch urgency {
		case UrgencyCritical:
			args = append(args, "-u", "critical")
		case UrgencyLow:
			args = append(args, "-u", "low")
		}
		args = append(args, title, message)
		return exec.Command("notify-send", args...).Run()

	case "darwin":
		// %q produces backslash-escaped double quotes, which AppleScript accepts.
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		return exec.Command("osascript", "-e", script).Run()

	case "windows":
		script := fmt.Sprintf(
			`New-BurntToastNotification -Text '%s', '%s'`,
			escapePowerShell(title), escapePowerShell(message))
		return exec.Command("powershell", "-Command", script).Run()

	default:
		return fmt.Errorf("no notification command for %s", c.goos)
	}
}

func escapePowerShell(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
