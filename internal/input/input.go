// Package input injects viewer keyboard and mouse events into the host.
package input

import (
	"fmt"
	"image"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/log"
)

// Injector replays viewer input on the host. Pointer positions arrive as
// fractions of the captured screen and are mapped onto bounds.
type Injector interface {
	SendKeyDown(key string) error
	SendKeyUp(key string) error
	SendKeyPress(key string) error
	SendMouseMove(percentX, percentY float64, bounds image.Rectangle) error
	SendMouseButton(button int, down bool, percentX, percentY float64, bounds image.Rectangle) error
	SendMouseWheel(deltaX, deltaY float64) error
	SendCtrlAltDel() error
}

// Runner executes one external command.
type Runner func(name string, args ...string) error

func execRunner(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// New returns the shell injector for this platform when its helper tool
// is installed, otherwise a no-op injector.
func New() Injector {
	logger := log.WithComponent("input")
	tool := helperFor(runtime.GOOS)
	if tool == "" {
		logger.Warn().Str("os", runtime.GOOS).Msg("input injection not supported")
		return Noop{}
	}
	if _, err := exec.LookPath(tool); err != nil {
		logger.Warn().Str("tool", tool).Msg("input helper not found, input disabled")
		return Noop{}
	}
	logger.Info().Str("tool", tool).Msg("input injection enabled")
	return NewShell(runtime.GOOS, execRunner, logger)
}

func helperFor(goos string) string {
	switch goos {
	case "linux":
		return "xdotool"
	case "darwin":
		return "cliclick"
	case "windows":
		return "powershell"
	}
	return ""
}

// ToScreen maps fractional coordinates onto bounds.
func ToScreen(percentX, percentY float64, bounds image.Rectangle) image.Point {
	clamp := func(v float64) float64 {
		switch {
		case v < 0:
			return 0
		case v > 1:
			return 1
		}
		return v
	}
	x := bounds.Min.X + int(clamp(percentX)*float64(bounds.Dx()-1)+0.5)
	y := bounds.Min.Y + int(clamp(percentY)*float64(bounds.Dy()-1)+0.5)
	return image.Pt(x, y)
}

// Noop discards every event.
type Noop struct{}

func (Noop) SendKeyDown(string) error { return nil }

func (Noop) SendKeyUp(string) error { return nil }

func (Noop) SendKeyPress(string) error { return nil }

func (Noop) SendMouseMove(float64, float64, image.Rectangle) error { return nil }

func (Noop) SendMouseButton(int, bool, float64, float64, image.Rectangle) error { return nil }

func (Noop) SendMouseWheel(float64, float64) error { return nil }

func (Noop) SendCtrlAltDel() error { return nil }

// Shell drives xdotool (Linux), cliclick and osascript (macOS) or
// PowerShell (Windows).
type Shell struct {
	goos   string
	run    Runner
	logger zerolog.Logger
}

// NewShell creates a Shell for goos that executes commands through run.
func NewShell(goos string, run Runner, logger zerolog.Logger) *Shell {
	return &Shell{goos: goos, run: run, logger: logger}
}

func (s *Shell) SendKeyDown(key string) error {
	switch s.goos {
	case "linux":
		return s.run("xdotool", "keydown", xdoKey(key))
	case "darwin":
		return s.SendKeyPress(key)
	case "windows":
		// SendKeys has no separate down/up; the press is sent on key down.
		return s.SendKeyPress(key)
	}
	return nil
}

func (s *Shell) SendKeyUp(key string) error {
	if s.goos == "linux" {
		return s.run("xdotool", "keyup", xdoKey(key))
	}
	return nil
}

func (s *Shell) SendKeyPress(key string) error {
	switch s.goos {
	case "linux":
		return s.run("xdotool", "key", xdoKey(key))
	case "darwin":
		script := darwinKeyScript(key)
		if script == "" {
			return nil
		}
		return s.run("osascript", "-e", script)
	case "windows":
		return s.run("powershell", "-NoProfile", "-Command", fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
[System.Windows.Forms.SendKeys]::SendWait("%s")
`, sendKeysName(key)))
	}
	return nil
}

func (s *Shell) SendMouseMove(percentX, percentY float64, bounds image.Rectangle) error {
	p := ToScreen(percentX, percentY, bounds)
	switch s.goos {
	case "linux":
		return s.run("xdotool", "mousemove", strconv.Itoa(p.X), strconv.Itoa(p.Y))
	case "darwin":
		return s.run("cliclick", fmt.Sprintf("m:%d,%d", p.X, p.Y))
	case "windows":
		return s.run("powershell", "-NoProfile", "-Command", windowsMouseScript(p.X, p.Y, ""))
	}
	return nil
}

func (s *Shell) SendMouseButton(button int, down bool, percentX, percentY float64, bounds image.Rectangle) error {
	p := ToScreen(percentX, percentY, bounds)
	switch s.goos {
	case "linux":
		action := "mouseup"
		if down {
			action = "mousedown"
		}
		if err := s.run("xdotool", "mousemove", strconv.Itoa(p.X), strconv.Itoa(p.Y)); err != nil {
			return err
		}
		return s.run("xdotool", action, strconv.Itoa(button+1))
	case "darwin":
		verb := "du"
		if !down {
			verb = "uu"
		}
		if button == 2 {
			// cliclick has no right-button down/up; click on release.
			if down {
				return nil
			}
			verb = "rc"
		}
		return s.run("cliclick", fmt.Sprintf("%s:%d,%d", verb, p.X, p.Y))
	case "windows":
		flag := windowsButtonFlag(button, down)
		return s.run("powershell", "-NoProfile", "-Command", windowsMouseScript(p.X, p.Y, flag))
	}
	return nil
}

func (s *Shell) SendMouseWheel(deltaX, deltaY float64) error {
	switch s.goos {
	case "linux":
		btn, clicks := wheelButton(deltaY, "4", "5")
		if deltaY == 0 {
			btn, clicks = wheelButton(deltaX, "6", "7")
		}
		if clicks == 0 {
			return nil
		}
		return s.run("xdotool", "click", "--repeat", strconv.Itoa(clicks), btn)
	case "windows":
		if deltaY == 0 {
			return nil
		}
		return s.run("powershell", "-NoProfile", "-Command", windowsWheelScript(int(-deltaY)))
	}
	s.logger.Debug().Str("os", s.goos).Msg("mouse wheel not supported")
	return nil
}

func (s *Shell) SendCtrlAltDel() error {
	switch s.goos {
	case "linux":
		return s.run("xdotool", "key", "ctrl+alt+Delete")
	case "windows":
		// The secure attention sequence cannot be synthesised from user
		// space; open the task manager instead.
		return s.run("powershell", "-NoProfile", "-Command", "Start-Process taskmgr")
	}
	return nil
}

// wheelButton maps a scroll delta to an X11 button and click count.
func wheelButton(delta float64, up, down string) (string, int) {
	const pixelsPerClick = 100
	clicks := int(delta / pixelsPerClick)
	if clicks == 0 && delta != 0 {
		clicks = 1
		if delta < 0 {
			clicks = -1
		}
	}
	if clicks < 0 {
		return up, -clicks
	}
	return down, clicks
}

var xdoKeys = map[string]string{
	"Enter":      "Return",
	"Backspace":  "BackSpace",
	"ArrowUp":    "Up",
	"ArrowDown":  "Down",
	"ArrowLeft":  "Left",
	"ArrowRight": "Right",
	"Escape":     "Escape",
	"Tab":        "Tab",
	"Delete":     "Delete",
	"Control":    "ctrl",
	"Shift":      "shift",
	"Alt":        "alt",
	"Meta":       "super",
	" ":          "space",
}

func xdoKey(key string) string {
	if k, ok := xdoKeys[key]; ok {
		return k
	}
	return key
}

var darwinKeyCodes = map[string]int{
	"Enter":      36,
	"Tab":        48,
	"Backspace":  51,
	"Escape":     53,
	"ArrowUp":    126,
	"ArrowDown":  125,
	"ArrowLeft":  123,
	"ArrowRight": 124,
	" ":          49,
}

func darwinKeyScript(key string) string {
	if code, ok := darwinKeyCodes[key]; ok {
		return fmt.Sprintf(`tell application "System Events" to key code %d`, code)
	}
	if len(key) == 1 {
		return fmt.Sprintf(`tell application "System Events" to keystroke %q`, key)
	}
	return ""
}

var sendKeysNames = map[string]string{
	"Enter":      "{ENTER}",
	"Tab":        "{TAB}",
	"Backspace":  "{BACKSPACE}",
	"Escape":     "{ESC}",
	"ArrowUp":    "{UP}",
	"ArrowDown":  "{DOWN}",
	"ArrowLeft":  "{LEFT}",
	"ArrowRight": "{RIGHT}",
	"Delete":     "{DEL}",
}

func sendKeysName(key string) string {
	if k, ok := sendKeysNames[key]; ok {
		return k
	}
	switch key {
	case "+", "^", "%", "~", "(", ")", "{", "}", "[", "]":
		return "{" + key + "}"
	}
	return key
}

func windowsButtonFlag(button int, down bool) string {
	switch {
	case button == 2 && down:
		return "0x0008"
	case button == 2:
		return "0x0010"
	case button == 1 && down:
		return "0x0020"
	case button == 1:
		return "0x0040"
	case down:
		return "0x0002"
	default:
		return "0x0004"
	}
}

// windowsMouseScript moves the cursor to (x, y) and optionally fires a
// mouse_event with the given flags.
func windowsMouseScript(x, y int, flag string) string {
	base := fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
[System.Windows.Forms.Cursor]::Position = New-Object System.Drawing.Point(%d, %d)
`, x, y)
	if flag == "" {
		return base
	}
	return base + windowsMouseEvent(flag, 0)
}

func windowsWheelScript(amount int) string {
	return windowsMouseEvent("0x0800", amount)
}

func windowsMouseEvent(flag string, data int) string {
	return fmt.Sprintf(`$signature = @"
[DllImport("user32.dll")]
public static extern void mouse_event(int dwFlags, int dx, int dy, int dwData, int dwExtraInfo);
"@
$mouse = Add-Type -MemberDefinition $signature -Name "MouseEvent" -Namespace "Win32" -PassThru
$mouse::mouse_event(%s, 0, 0, %d, 0)
`, flag, data)
}
