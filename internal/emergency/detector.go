// Package emergency decides whether the signaling server is reachable and
// exposes that decision as process-wide state. Clients consult it when
// originating calls and fall back to direct discovery while in Emergency.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeEmergency Mode = "emergency"
)

// ParseMode maps a reported mode string to a Mode, defaulting to normal.
func ParseMode(s string) Mode {
	if s == string(ModeEmergency) {
		return ModeEmergency
	}
	return ModeNormal
}

// Probe checks server reachability once. A returned error is a failed data
// point, never fatal; the probe must honor ctx cancellation.
type Probe func(ctx context.Context) error

// Detector runs the reachability watchdog: probe on a fixed interval, flip
// to Emergency once the grace window since the last successful contact is
// exceeded, flip back on the next success. Mode changes are edge-triggered
// and broadcast to subscribers.
type Detector struct {
	probe        Probe
	interval     time.Duration
	grace        time.Duration
	probeTimeout time.Duration
	log          *slog.Logger
	nowFn        func() time.Time

	mu          sync.Mutex
	mode        Mode
	lastContact time.Time
	subs        []chan Mode
	cancel      context.CancelFunc
	done        chan struct{}
}

const (
	DefaultInterval = 30 * time.Second
	DefaultGrace    = 60 * time.Second
)

func NewDetector(probe Probe, interval, grace time.Duration, logger *slog.Logger) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Detector{
		probe:        probe,
		interval:     interval,
		grace:        grace,
		probeTimeout: interval,
		log:          logger,
		nowFn:        time.Now,
		mode:         ModeNormal,
	}
}

// Start launches the watchdog. Calling Start on a running detector is a
// no-op.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return
	}
	// The startup instant is the reachability baseline: the first flip to
	// Emergency happens once the grace window has passed without contact.
	if d.lastContact.IsZero() {
		d.lastContact = d.nowFn()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done)
}

// Stop cancels the watchdog and waits for the loop to exit. Calling Stop on
// a stopped detector is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Detector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.runProbe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Detector) runProbe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	err := d.safeProbe(pctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.onFailure(err)
		return
	}
	d.onSuccess()
}

// safeProbe shields the loop from a panicking probe; a panic is just
// another failed data point.
func (d *Detector) safeProbe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return d.probe(ctx)
}

func (d *Detector) onSuccess() {
	d.mu.Lock()
	d.lastContact = d.nowFn()
	changed := d.mode != ModeNormal
	d.mode = ModeNormal
	subs := d.subscribersLocked()
	d.mu.Unlock()

	if changed {
		d.log.Info("server reachable again, leaving emergency mode")
		notify(subs, ModeNormal)
	}
}

func (d *Detector) onFailure(cause error) {
	now := d.nowFn()

	d.mu.Lock()
	silence := now.Sub(d.lastContact)
	changed := d.mode == ModeNormal && silence > d.grace
	if changed {
		d.mode = ModeEmergency
	}
	subs := d.subscribersLocked()
	d.mu.Unlock()

	d.log.Debug("reachability probe failed", "error", cause, "silence_ms", silence.Milliseconds())
	if changed {
		d.log.Warn("server unreachable beyond grace window, entering emergency mode", "silence_ms", silence.Milliseconds())
		notify(subs, ModeEmergency)
	}
}

func (d *Detector) subscribersLocked() []chan Mode {
	subs := make([]chan Mode, len(d.subs))
	copy(subs, d.subs)
	return subs
}

func notify(subs []chan Mode, mode Mode) {
	for _, sub := range subs {
		select {
		case sub <- mode:
		default:
			// Slow subscriber; it can still read the current mode.
		}
	}
}

// Subscribe returns a channel receiving every mode edge after the call.
func (d *Detector) Subscribe() <-chan Mode {
	ch := make(chan Mode, 4)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

func (d *Detector) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// LastServerContact returns the time of the last successful probe. ok is
// false before the first success.
func (d *Detector) LastServerContact() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastContact.IsZero() {
		return time.Time{}, false
	}
	return d.lastContact, true
}

// HTTPProbe probes url with a GET request; any transport error or non-2xx
// status counts as a failed probe.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe status %d", resp.StatusCode)
		}
		return nil
	}
}
