package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omnirec/omnirec/internal/metrics"
)

// RetryPolicy bounds how often a transient ErrCaptureFailed is retried.
// The delay doubles per attempt up to MaxBackoff.
type RetryPolicy struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy retries once after 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 0; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Plan is a resolved target: what the backend is asked for and how its frames are post-processed.
type Plan struct {
	Target Target
	// Source is the backend request: the window itself, or the full monitor for displays and regions.
	Source Target
	// Crop is the region rectangle in monitor coordinates, nil for window and display targets.
	Crop   *Rect
	Width  int
	Height int
}

// Dispatcher resolves targets and drives frame acquisition.
type Dispatcher struct {
	backend   Backend
	frameRate int
	retry     RetryPolicy
}

// NewDispatcher creates a dispatcher pacing capture at frameRate frames per second.
func NewDispatcher(backend Backend, frameRate int, retry RetryPolicy) *Dispatcher {
	if frameRate <= 0 {
		frameRate = 30
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	return &Dispatcher{backend: backend, frameRate: frameRate, retry: retry}
}

// Backend returns the backend the dispatcher calls.
func (d *Dispatcher) Backend() Backend {
	return d.backend
}

// FrameRate returns the capture rate.
func (d *Dispatcher) FrameRate() int {
	return d.frameRate
}

// Resolve re-checks the target against the backend's current target list.
// Vanished windows and monitors, and regions outside their monitor, yield ErrInvalidTarget.
func (d *Dispatcher) Resolve(ctx context.Context, t Target) (Plan, error) {
	if err := t.Validate(); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	targets, err := d.backend.ListTargets(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to list targets: %w", err)
	}

	plan := Plan{Target: t}
	switch t.Kind {
	case KindWindow:
		w, ok := targets.Window(t.Handle)
		if !ok {
			return Plan{}, fmt.Errorf("window %d no longer exists: %w", t.Handle, ErrInvalidTarget)
		}
		plan.Source = WindowTarget(w.Handle, w.Title)
		plan.Source.Bounds = w.Bounds
		plan.Width, plan.Height = w.Bounds.Width, w.Bounds.Height
	case KindDisplay:
		m, ok := targets.Monitor(t.MonitorID)
		if !ok {
			return Plan{}, fmt.Errorf("monitor %s not found: %w", t.MonitorID, ErrInvalidTarget)
		}
		plan.Source = DisplayTarget(m.ID, m.Bounds, m.ScaleFactor)
		plan.Width, plan.Height = m.Bounds.Width, m.Bounds.Height
	case KindRegion:
		m, ok := targets.Monitor(t.MonitorID)
		if !ok {
			return Plan{}, fmt.Errorf("monitor %s not found: %w", t.MonitorID, ErrInvalidTarget)
		}
		local := Rect{Width: m.Bounds.Width, Height: m.Bounds.Height}
		if !local.Contains(t.Bounds) {
			return Plan{}, fmt.Errorf("region %s crosses the boundary of monitor %s: %w", t.Bounds, m.ID, ErrInvalidTarget)
		}
		crop := t.Bounds
		plan.Source = DisplayTarget(m.ID, m.Bounds, m.ScaleFactor)
		plan.Crop = &crop
		plan.Width, plan.Height = crop.Width, crop.Height
	}

	if plan.Width <= 0 || plan.Height <= 0 {
		// Some backends report windows without geometry; learn it from one frame.
		f, err := d.capture(ctx, plan.Source)
		if err != nil {
			return Plan{}, err
		}
		plan.Width, plan.Height = f.Width, f.Height
	}

	slog.Debug("Resolved capture target", "target", t.String(), "width", plan.Width, "height", plan.Height)
	return plan, nil
}

// Run captures frames at the configured rate and sends them to out until ctx is done
// or a non-retryable error occurs. Run closes out before returning. No frame is sent
// once ctx is done, including one that was being acquired at that moment.
func (d *Dispatcher) Run(ctx context.Context, plan Plan, out chan<- Frame) error {
	defer close(out)

	interval := time.Second / time.Duration(d.frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	count := 0
	defer func() {
		slog.Info("Capture stopped", "target", plan.Target.String(), "frames", count)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		f, err := d.capture(ctx, plan.Source)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if plan.Crop != nil {
			f, err = CropFrame(f, *plan.Crop, plan.Source.Bounds)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
			}
		}
		f.Timestamp = time.Since(start)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
		select {
		case out <- f:
			count++
			metrics.VideoFrames.Inc()
		case <-ctx.Done():
			return nil
		}
	}
}

// capture calls the backend, retrying ErrCaptureFailed per the retry policy.
func (d *Dispatcher) capture(ctx context.Context, target Target) (Frame, error) {
	for attempt := 0; ; attempt++ {
		f, err := d.backend.CaptureFrame(ctx, target)
		if err == nil {
			if f.Width <= 0 || f.Height <= 0 || len(f.Pixels) < f.Stride*f.Height || f.Stride < f.Width*4 {
				return Frame{}, fmt.Errorf("%w: malformed %dx%d frame from %s backend", ErrCaptureFailed, f.Width, f.Height, d.backend.Name())
			}
			return f, nil
		}
		if !errors.Is(err, ErrCaptureFailed) || attempt >= d.retry.MaxRetries {
			return Frame{}, err
		}

		delay := d.retry.delay(attempt)
		metrics.CaptureRetries.Inc()
		slog.Debug("Retrying frame capture", "target", target.String(), "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		}
	}
}
