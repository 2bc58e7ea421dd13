package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
)

// openUnit creates, sets up and starts one endpoint. Voice processing, when
// requested, falls back to plain mode on a permanent failure; transient
// failures such as a busy device are retried with backoff first. It returns
// the started unit and the name of the mode in use.
func (e *Engine) openUnit(ctx context.Context, name string, drv endpoint.Driver, dir endpoint.Direction, id uint32, cfg config.EndpointConfig) (*endpoint.Unit, string, error) {
	primary := endpoint.Plain
	if cfg.VoiceProcessing {
		primary = endpoint.VoiceProcessing
	}
	modes := resilience.NewFallbackGroup(primary, primary.String(), resilience.FallbackConfig{Permanent: isPermanent})
	if primary != endpoint.Plain {
		modes.AddFallback(endpoint.Plain.String(), endpoint.Plain)
	}

	retry := e.retry
	retry.Name = name + " setup"
	retry.Retryable = audio.IsTransient

	u, mode, err := resilience.ExecuteNamed(modes, func(m endpoint.Mode) (*endpoint.Unit, error) {
		u := endpoint.New(drv, endpoint.Config{
			ID:              id,
			Kind:            endpoint.Kind{Direction: dir, Mode: m},
			Format:          cfg.Format(),
			FramesPerBuffer: cfg.FramesPerBuffer,
			DeviceID:        cfg.Device,
		})
		if err := resilience.Retry(ctx, retry, u.Setup); err != nil {
			_ = u.Dispose()
			return nil, err
		}
		return u, nil
	})
	if err != nil {
		return nil, "", err
	}

	if cfg.VoiceProcessing && mode != endpoint.VoiceProcessing.String() {
		e.log.Warn("voice processing unavailable, using plain mode", "endpoint", name, "driver", drv.Name())
		if e.metrics != nil {
			e.metrics.EndpointFallbacks.Add(ctx, 1, metric.WithAttributes(observe.Attr("endpoint", name)))
		}
	}
	if err := u.Start(); err != nil {
		_ = u.Dispose()
		return nil, "", err
	}
	e.log.Debug("endpoint started",
		"endpoint", name,
		"driver", drv.Name(),
		"kind", u.Kind().String(),
		"format", u.Format().String(),
		"latency", u.Latency(),
	)
	return u, mode, nil
}

// isPermanent rules a mode out for every failure that is neither transient
// nor a cancellation.
func isPermanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !audio.IsTransient(err)
}

// ListDevices enumerates the devices of the driver configured for entry.
func ListDevices(reg *config.Registry, entry config.EndpointConfig) (map[endpoint.Direction][]endpoint.Device, error) {
	drv, err := reg.CreateDriver(entry)
	if err != nil {
		return nil, err
	}
	out := make(map[endpoint.Direction][]endpoint.Device, 2)
	var errs []error
	for _, dir := range []endpoint.Direction{endpoint.Render, endpoint.Capture} {
		devs, err := drv.Devices(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("engine: list %s devices: %w", dir, err))
			continue
		}
		out[dir] = devs
	}
	return out, errors.Join(errs...)
}
