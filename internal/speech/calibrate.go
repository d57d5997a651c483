package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/millwright/pkg/audio"
)

// ErrCalibrationUnavailable means no noise floor could be measured. The
// caller keeps the static energy threshold.
var ErrCalibrationUnavailable = errors.New("speech: calibration unavailable")

// DefaultCalibrationDuration is how long ambient noise is sampled at startup.
const DefaultCalibrationDuration = 1500 * time.Millisecond

// Calibrate samples ambient frames for roughly d and returns
// max(mean RMS, EnergyThreshold/2). Empty frames are skipped but still count
// towards the frame budget. A device error or a run without any captured frame
// returns ErrCalibrationUnavailable. There are no retries.
func Calibrate(ctx context.Context, src audio.FrameSource, d time.Duration, p Params) (NoiseFloor, error) {
	samples := p.FrameSamples()
	if samples <= 0 {
		return 0, fmt.Errorf("%w: invalid frame size", ErrCalibrationUnavailable)
	}
	needed := max(1, int(int64(d)*int64(p.SampleRate)/int64(time.Second)/int64(samples)))

	var (
		sum   float64
		count int
	)
	for range needed {
		f, err := src.Read(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrCalibrationUnavailable, err)
		}
		if f.Empty() {
			continue
		}
		sum += audio.RMS(f.Data)
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: no frames captured", ErrCalibrationUnavailable)
	}

	floor := NoiseFloor(max(sum/float64(count), p.EnergyThreshold/2))
	slog.Info("noise floor calibrated", "floor", float64(floor), "frames", count, "threshold", p.DynamicThreshold(floor))
	return floor, nil
}
