package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // decoders for tool output
	_ "image/png"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// screenshotTool shells out to a platform screenshot utility.
type screenshotTool struct {
	name   string
	binary string
	args   func(display int, path string) []string
}

const windowsCaptureScript = `
Add-Type -AssemblyName System.Windows.Forms
Add-Type -AssemblyName System.Drawing
$screen = [System.Windows.Forms.Screen]::AllScreens[%d].Bounds
$bitmap = New-Object System.Drawing.Bitmap($screen.Width, $screen.Height)
$graphics = [System.Drawing.Graphics]::FromImage($bitmap)
$graphics.CopyFromScreen($screen.Location, [System.Drawing.Point]::Empty, $screen.Size)
$bitmap.Save('%s', [System.Drawing.Imaging.ImageFormat]::Png)
$graphics.Dispose()
$bitmap.Dispose()
`

func toolsFor(goos string) []screenshotTool {
	switch goos {
	case "darwin":
		return []screenshotTool{{
			name:   "screencapture",
			binary: "screencapture",
			args: func(display int, path string) []string {
				return []string{"-x", "-t", "png", "-D", strconv.Itoa(display + 1), path}
			},
		}}
	case "linux":
		return []screenshotTool{
			{name: "gnome-screenshot", binary: "gnome-screenshot", args: func(_ int, path string) []string { return []string{"-f", path} }},
			{name: "scrot", binary: "scrot", args: func(_ int, path string) []string { return []string{"-o", path} }},
			{name: "imagemagick", binary: "import", args: func(_ int, path string) []string { return []string{"-window", "root", path} }},
		}
	case "windows":
		return []screenshotTool{{
			name:   "powershell",
			binary: "powershell",
			args: func(display int, path string) []string {
				return []string{"-NoProfile", "-Command", fmt.Sprintf(windowsCaptureScript, display, path)}
			},
		}}
	}
	return nil
}

type screenshotAdapter struct {
	*state
	tool   screenshotTool
	logger zerolog.Logger
}

func newScreenshotAdapter(tool screenshotTool, logger zerolog.Logger) *screenshotAdapter {
	return &screenshotAdapter{
		state:  newState(displayNames(displayCount())),
		tool:   tool,
		logger: logger,
	}
}

func (a *screenshotAdapter) GetNextFrame(ctx context.Context) (*Frame, error) {
	f, err := os.CreateTemp("", "remotecast-*.png")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()
	defer os.Remove(path) //nolint:errcheck

	cmd := exec.CommandContext(ctx, a.tool.binary, a.tool.args(a.selectedIndex(), path)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", a.tool.name, err, bytes.TrimSpace(out))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	img := toRGBA(src)
	a.observe(img)
	return &Frame{Image: img}, nil
}

func (a *screenshotAdapter) GPUAccelerated() bool { return false }

func (a *screenshotAdapter) Close() error { return nil }

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func displayNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "Display " + strconv.Itoa(i+1)
	}
	return names
}

// displayCount asks the OS how many displays are attached. Only macOS
// exposes this cheaply to a shell; elsewhere one display is assumed.
func displayCount() int {
	if runtime.GOOS != "darwin" {
		return 1
	}
	output, err := exec.Command("system_profiler", "SPDisplaysDataType").Output()
	if err != nil {
		return 1
	}
	count := 0
	for _, line := range bytes.Split(output, []byte("\n")) {
		if bytes.Contains(line, []byte("Resolution:")) {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	return count
}
