// Package dto defines the typed messages exchanged between a desktop and
// its viewers, and the chunked envelope that carries them across the relay.
package dto

import "fmt"

// Type tags the logical payload carried by a Wrapper.
type Type int

const (
	TypeUnknown Type = iota
	TypeFrameReceived
	TypeScreenData
	TypeScreenSize
	TypeCursorChange
	TypeWindowsSessions
	TypeSelectScreen
	TypeMouseMove
	TypeMouseDown
	TypeMouseUp
	TypeMouseWheel
	TypeKeyDown
	TypeKeyUp
	TypeKeyPress
	TypeCtrlAltDel
	TypeSessionMetrics
	TypeShowMessage
)

var typeNames = map[Type]string{
	TypeUnknown:         "Unknown",
	TypeFrameReceived:   "FrameReceived",
	TypeScreenData:      "ScreenData",
	TypeScreenSize:      "ScreenSize",
	TypeCursorChange:    "CursorChange",
	TypeWindowsSessions: "WindowsSessions",
	TypeSelectScreen:    "SelectScreen",
	TypeMouseMove:       "MouseMove",
	TypeMouseDown:       "MouseDown",
	TypeMouseUp:         "MouseUp",
	TypeMouseWheel:      "MouseWheel",
	TypeKeyDown:         "KeyDown",
	TypeKeyUp:           "KeyUp",
	TypeKeyPress:        "KeyPress",
	TypeCtrlAltDel:      "CtrlAltDel",
	TypeSessionMetrics:  "SessionMetrics",
	TypeShowMessage:     "ShowMessage",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// FrameReceived acknowledges one frame region received by the viewer.
type FrameReceived struct {
	Timestamp int64 `msgpack:"timestamp"`
}

// ScreenData announces the selected display and the available displays.
type ScreenData struct {
	SelectedDisplay string   `msgpack:"selected_display"`
	DisplayNames    []string `msgpack:"display_names"`
	ScreenWidth     int      `msgpack:"screen_width"`
	ScreenHeight    int      `msgpack:"screen_height"`
	MachineName     string   `msgpack:"machine_name"`
}

// ScreenSize is sent when the captured display geometry changes.
type ScreenSize struct {
	Width  int `msgpack:"width"`
	Height int `msgpack:"height"`
}

// CursorChange carries the desktop's current cursor.
type CursorChange struct {
	CSSStyle  string `msgpack:"css_style"`
	ImageData []byte `msgpack:"image_data,omitempty"`
	HotSpotX  int    `msgpack:"hot_spot_x"`
	HotSpotY  int    `msgpack:"hot_spot_y"`
}

// HostSession describes one interactive session on the desktop host.
type HostSession struct {
	ID       string `msgpack:"id"`
	Username string `msgpack:"username"`
	Terminal string `msgpack:"terminal"`
	Started  int64  `msgpack:"started"`
}

// WindowsSessions lists the host's interactive sessions.
type WindowsSessions struct {
	Sessions []HostSession `msgpack:"sessions"`
}

// SelectScreen asks the desktop to capture another display.
type SelectScreen struct {
	DisplayName string `msgpack:"display_name"`
}

// MouseMove positions are fractions of the screen in [0, 1].
type MouseMove struct {
	PercentX float64 `msgpack:"percent_x"`
	PercentY float64 `msgpack:"percent_y"`
}

// MouseButton carries a button press or release.
type MouseButton struct {
	Button   int     `msgpack:"button"`
	PercentX float64 `msgpack:"percent_x"`
	PercentY float64 `msgpack:"percent_y"`
}

// MouseWheel carries a scroll event.
type MouseWheel struct {
	DeltaX float64 `msgpack:"delta_x"`
	DeltaY float64 `msgpack:"delta_y"`
}

// Key carries a key down, up, or press.
type Key struct {
	Key string `msgpack:"key"`
}

// CtrlAltDel requests the secure attention sequence.
type CtrlAltDel struct{}

// SessionMetrics mirrors the desktop's streaming metrics to the viewer.
type SessionMetrics struct {
	Mbps               float64 `msgpack:"mbps"`
	FPS                int     `msgpack:"fps"`
	RoundTripLatencyMs float64 `msgpack:"round_trip_latency_ms"`
	ImageQuality       int     `msgpack:"image_quality"`
	GPUAccelerated     bool    `msgpack:"gpu_accelerated"`
}

// ShowMessage asks the receiver to display a status line.
type ShowMessage struct {
	Message string `msgpack:"message"`
}
