// internal/humanoid/types.go
package humanoid

// MouseEventType defines the type of mouse event.
// The strings align with the DevTools protocol event names.
type MouseEventType string

const (
	MouseMove    MouseEventType = "mouseMoved"
	MousePress   MouseEventType = "mousePressed"
	MouseRelease MouseEventType = "mouseReleased"
	MouseWheel   MouseEventType = "mouseWheel"
)

// MouseButton defines the mouse button.
type MouseButton string

const (
	ButtonNone   MouseButton = "none"
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// ParseButton maps user-facing names to a MouseButton, defaulting to left.
func ParseButton(s string) MouseButton {
	switch MouseButton(s) {
	case ButtonRight, ButtonMiddle, ButtonNone:
		return MouseButton(s)
	default:
		return ButtonLeft
	}
}

// buttonsMask is the bitfield of held buttons (1: left, 2: right, 4: middle).
func buttonsMask(b MouseButton) int64 {
	switch b {
	case ButtonLeft:
		return 1
	case ButtonRight:
		return 2
	case ButtonMiddle:
		return 4
	default:
		return 0
	}
}

// MouseEventData is the driver-agnostic description of one mouse event.
type MouseEventData struct {
	Type       MouseEventType
	X          float64
	Y          float64
	Button     MouseButton
	ClickCount int
	// Buttons is the bitfield of buttons held while the event happens. Needed for drags.
	Buttons int64
	// DeltaX and DeltaY are only used for MouseWheel events.
	DeltaX float64
	DeltaY float64
}

// Modifier is a bitmask of held modifier keys.
type Modifier int

const (
	ModAlt   Modifier = 1
	ModCtrl  Modifier = 2
	ModMeta  Modifier = 4
	ModShift Modifier = 8
)

// KeyEventData describes a single key press with modifiers held.
type KeyEventData struct {
	Key       string
	Modifiers Modifier
}

// ControlKey defines common control characters accepted by SendKeys.
type ControlKey string

const (
	KeyBackspace ControlKey = "\b"
	KeyEnter     ControlKey = "\r"
	KeyTab       ControlKey = "\t"
	KeyEscape    ControlKey = "\x1b"
)
