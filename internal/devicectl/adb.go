package devicectl

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// shellDevice is the part of *gadb.Device the controller uses.
type shellDevice interface {
	Serial() string
	RunShellCommand(cmd string, args ...string) (string, error)
}

// ADBController drives devices attached to the local adb server.
type ADBController struct {
	devices func() ([]shellDevice, error)
	states  func() (map[string]string, error)
}

// NewADBController wraps a gadb client.
func NewADBController(client gadb.Client) *ADBController {
	return &ADBController{
		devices: func() ([]shellDevice, error) {
			devs, err := client.DeviceList()
			if err != nil {
				return nil, errors.Wrap(err, "list adb devices")
			}
			out := make([]shellDevice, 0, len(devs))
			for _, d := range devs {
				if d != nil {
					out = append(out, d)
				}
			}
			return out, nil
		},
		states: func() (map[string]string, error) {
			devs, err := client.DeviceList()
			if err != nil {
				return nil, errors.Wrap(err, "list adb devices")
			}
			stateBySerial := make(map[string]string, len(devs))
			for _, dev := range devs {
				if dev == nil {
					continue
				}
				serial := strings.TrimSpace(dev.Serial())
				if serial == "" {
					continue
				}
				state, err := dev.State()
				if err != nil {
					stateBySerial[serial] = string(gadb.StateUnknown)
					continue
				}
				stateBySerial[serial] = string(state)
			}
			return stateBySerial, nil
		},
	}
}

// NewDefaultADBController connects to the default local adb server.
func NewDefaultADBController() (*ADBController, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	return NewADBController(client), nil
}

// targets resolves serial, or every attached device for "all".
func (a *ADBController) targets(serial string) ([]shellDevice, error) {
	devs, err := a.devices()
	if err != nil {
		return nil, err
	}
	target := strings.TrimSpace(serial)
	if target == "all" {
		return devs, nil
	}
	for _, d := range devs {
		if strings.TrimSpace(d.Serial()) == target {
			return []shellDevice{d}, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

func (a *ADBController) shell(ctx context.Context, serial string, cmd string, args ...string) (string, error) {
	devs, err := a.targets(serial)
	if err != nil {
		return "", err
	}
	var out string
	for _, d := range devs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := d.RunShellCommand(cmd, args...)
		if err != nil {
			return out, errors.Wrapf(err, "adb shell %s on %s", cmd, d.Serial())
		}
		log.Debug().Str("serial", d.Serial()).Str("cmd", cmd).Strs("args", args).Msg("adb shell")
		out = res
	}
	return out, nil
}

func (a *ADBController) OpenURL(ctx context.Context, serial, url string) error {
	_, err := a.shell(ctx, serial, "am", "start", "-a", "android.intent.action.VIEW", "-d", url)
	return err
}

func (a *ADBController) Tap(ctx context.Context, serial string, x, y int) error {
	_, err := a.shell(ctx, serial, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (a *ADBController) Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, d time.Duration) error {
	_, err := a.shell(ctx, serial, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(d.Milliseconds(), 10))
	return err
}

// InputText types text; adb input needs spaces encoded as %s.
func (a *ADBController) InputText(ctx context.Context, serial, text string) error {
	_, err := a.shell(ctx, serial, "input", "text", strings.ReplaceAll(text, " ", "%s"))
	return err
}

func (a *ADBController) KeyEvent(ctx context.Context, serial string, code int) error {
	_, err := a.shell(ctx, serial, "input", "keyevent", strconv.Itoa(code))
	return err
}

func (a *ADBController) Screenshot(ctx context.Context, serial string) ([]byte, error) {
	if serial == "all" {
		return nil, errors.New("screenshot needs a single device serial")
	}
	out, err := a.shell(ctx, serial, "screencap", "-p")
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (a *ADBController) ListDevices(ctx context.Context) ([]DeviceState, error) {
	states, err := a.states()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceState, 0, len(states))
	for serial, state := range states {
		out = append(out, DeviceState{Serial: serial, State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}
