// Package capture resolves capture targets and drives frame acquisition through a Backend.
package capture

import (
	"fmt"
	"strings"
)

// Limits applied to target parameters received from clients.
const (
	MaxDimension  = 16384
	MaxCoordinate = 65535
	MaxIDLength   = 256
)

// TargetKind discriminates the Target variant.
type TargetKind string

const (
	KindWindow  TargetKind = "window"
	KindDisplay TargetKind = "display"
	KindRegion  TargetKind = "region"
)

// Rect is a rectangle in pixels. For monitors it is in virtual screen coordinates,
// for regions it is relative to the monitor origin.
type Rect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Contains reports whether r fully encloses o.
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X && o.Y >= r.Y && o.X+o.Width <= r.X+r.Width && o.Y+o.Height <= r.Y+r.Height
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Target is the logical thing being recorded. Only the fields of its Kind are meaningful.
type Target struct {
	Kind TargetKind `json:"kind"`

	// window
	Handle int64  `json:"handle,omitempty"`
	Title  string `json:"title,omitempty"`

	// display and region
	MonitorID string `json:"monitor_id,omitempty"`

	// display: monitor bounds; region: rectangle relative to the monitor
	Bounds      Rect    `json:"bounds"`
	ScaleFactor float64 `json:"scale_factor,omitempty"`
}

// WindowTarget returns a window target.
func WindowTarget(handle int64, title string) Target {
	return Target{Kind: KindWindow, Handle: handle, Title: title}
}

// DisplayTarget returns a full-monitor target.
func DisplayTarget(monitorID string, bounds Rect, scale float64) Target {
	return Target{Kind: KindDisplay, MonitorID: monitorID, Bounds: bounds, ScaleFactor: scale}
}

// RegionTarget returns a monitor-relative region target.
func RegionTarget(monitorID string, x, y, width, height int) Target {
	return Target{Kind: KindRegion, MonitorID: monitorID, Bounds: Rect{X: x, Y: y, Width: width, Height: height}}
}

// Validate checks the parameters of t without consulting a backend.
func (t Target) Validate() error {
	switch t.Kind {
	case KindWindow:
		if t.Handle <= 0 {
			return fmt.Errorf("invalid window handle: %d", t.Handle)
		}
	case KindDisplay:
		if err := ValidateID("monitor_id", t.MonitorID); err != nil {
			return err
		}
		if t.Bounds.Width != 0 || t.Bounds.Height != 0 {
			if err := validateDimensions(t.Bounds.Width, t.Bounds.Height); err != nil {
				return err
			}
		}
	case KindRegion:
		if err := ValidateID("monitor_id", t.MonitorID); err != nil {
			return err
		}
		if t.Bounds.X < 0 || t.Bounds.Y < 0 || t.Bounds.X > MaxCoordinate || t.Bounds.Y > MaxCoordinate {
			return fmt.Errorf("region origin out of range: %d,%d", t.Bounds.X, t.Bounds.Y)
		}
		if err := validateDimensions(t.Bounds.Width, t.Bounds.Height); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

func (t Target) String() string {
	switch t.Kind {
	case KindWindow:
		return fmt.Sprintf("window %d (%s)", t.Handle, t.Title)
	case KindDisplay:
		return fmt.Sprintf("display %s", t.MonitorID)
	case KindRegion:
		return fmt.Sprintf("region %s on %s", t.Bounds, t.MonitorID)
	default:
		return string(t.Kind)
	}
}

// ValidateID checks a monitor or audio source identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s too long (max %d chars)", field, MaxIDLength)
	}
	if strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return fmt.Errorf("%s contains control characters", field)
	}
	return nil
}

func validateDimensions(w, h int) error {
	if w <= 0 || h <= 0 || w > MaxDimension || h > MaxDimension {
		return fmt.Errorf("dimensions %dx%d out of range (1-%d)", w, h, MaxDimension)
	}
	return nil
}

// WindowInfo describes a capturable window.
type WindowInfo struct {
	Handle      int64  `json:"handle"`
	Title       string `json:"title"`
	ProcessName string `json:"process_name"`
	Bounds      Rect   `json:"bounds"`
}

// MonitorInfo describes a display.
type MonitorInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Bounds      Rect    `json:"bounds"`
	Primary     bool    `json:"primary"`
	ScaleFactor float64 `json:"scale_factor"`
}

// AudioSourceKind tells microphones from system output monitors.
type AudioSourceKind string

const (
	AudioInput  AudioSourceKind = "input"
	AudioOutput AudioSourceKind = "output"
)

// AudioSourceInfo describes an audio device.
type AudioSourceInfo struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Kind AudioSourceKind `json:"kind"`
}

// Targets is the enumeration result of a Backend.
type Targets struct {
	Windows      []WindowInfo      `json:"windows"`
	Monitors     []MonitorInfo     `json:"monitors"`
	AudioSources []AudioSourceInfo `json:"audio_sources"`
}

// Window returns the window with the given handle.
func (t Targets) Window(handle int64) (WindowInfo, bool) {
	for _, w := range t.Windows {
		if w.Handle == handle {
			return w, true
		}
	}
	return WindowInfo{}, false
}

// Monitor returns the monitor with the given id.
func (t Targets) Monitor(id string) (MonitorInfo, bool) {
	for _, m := range t.Monitors {
		if m.ID == id {
			return m, true
		}
	}
	return MonitorInfo{}, false
}
