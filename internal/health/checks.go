package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
)

// EndpointRunning passes while u is initialized and armed. A nil unit fails.
func EndpointRunning(name string, u *endpoint.Unit) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			switch {
			case u == nil:
				return errors.New("not configured")
			case !u.Initialized():
				return fmt.Errorf("not initialized: %s", u.InitStatus())
			case !u.Running():
				return errors.New("stopped")
			}
			return nil
		},
	}
}

// MixerReady passes once m is attached to an output unit with a bus pool.
func MixerReady(m *mixer.Mixer) Checker {
	return Checker{
		Name: "mixer",
		Check: func(context.Context) error {
			if m == nil || m.Unit() == nil || m.BusCount() == 0 {
				return mixer.ErrNotSetup
			}
			return nil
		},
	}
}
