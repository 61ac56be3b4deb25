// Package devicectl drives phones: opening URLs, taps, swipes, key events and
// screenshots. Two backends exist, a websocket client for the fleet's device
// control service and a direct adb controller for a locally attached hub.
package devicectl

import (
	"context"
	"time"
)

// Android key codes used by callers.
const (
	KeyHome = 3
	KeyBack = 4
)

// DeviceState is one device as seen by the control backend.
type DeviceState struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// Controller is the device-control boundary. serial may be "all" where the
// backend supports broadcast.
type Controller interface {
	OpenURL(ctx context.Context, serial, url string) error
	Tap(ctx context.Context, serial string, x, y int) error
	Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, d time.Duration) error
	InputText(ctx context.Context, serial, text string) error
	KeyEvent(ctx context.Context, serial string, code int) error
	Screenshot(ctx context.Context, serial string) ([]byte, error)
	ListDevices(ctx context.Context) ([]DeviceState, error)
}
