package sim

import (
	"context"
	"errors"

	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/pkg/model"
)

// Focuser is a simulated autofocus routine.
type Focuser struct {
	rig    *Rig
	status device.ProcessStatus
	run    op

	AutoFocus bool
	// FailNext is the number of upcoming runs that fail.
	FailNext int
	Runs     int
	Resets   int
}

func (f *Focuser) CanAutoFocus(context.Context) bool {
	f.rig.mu.Lock()
	defer f.rig.mu.Unlock()
	return f.AutoFocus
}

func (f *Focuser) ResetFrame(context.Context) error {
	f.rig.mu.Lock()
	defer f.rig.mu.Unlock()
	if err := f.rig.check(); err != nil {
		return err
	}
	f.Resets++
	return nil
}

func (f *Focuser) Start(context.Context) error {
	f.rig.mu.Lock()
	defer f.rig.mu.Unlock()
	if err := f.rig.check(); err != nil {
		return err
	}
	f.Runs++
	f.status = device.ProcessBusy
	f.run.start(f.rig.Latency)
	return nil
}

func (f *Focuser) Abort(context.Context) error {
	f.rig.mu.Lock()
	defer f.rig.mu.Unlock()
	f.run = op{}
	f.status = device.ProcessAborted
	return f.rig.check()
}

func (f *Focuser) Status(context.Context) (device.ProcessStatus, error) {
	f.rig.mu.Lock()
	defer f.rig.mu.Unlock()
	if err := f.rig.check(); err != nil {
		return device.ProcessFailed, err
	}
	if f.run.poll() {
		f.status = device.ProcessComplete
		if f.FailNext > 0 {
			f.FailNext--
			f.status = device.ProcessFailed
		}
	}
	return f.status, nil
}

// Aligner is a simulated plate solver.
type Aligner struct {
	rig    *Rig
	status device.ProcessStatus
	run    op

	FailNext    int
	Runs        int
	ModelResets int
	LoadedFITS  string
}

func (a *Aligner) begin() error {
	if err := a.rig.check(); err != nil {
		return err
	}
	a.Runs++
	a.status = device.ProcessBusy
	a.run.start(a.rig.Latency)
	return nil
}

func (a *Aligner) CaptureAndSolve(context.Context) error {
	a.rig.mu.Lock()
	defer a.rig.mu.Unlock()
	return a.begin()
}

func (a *Aligner) LoadAndSlew(_ context.Context, fitsPath string) error {
	a.rig.mu.Lock()
	defer a.rig.mu.Unlock()
	a.LoadedFITS = fitsPath
	return a.begin()
}

func (a *Aligner) ResetModel(context.Context) error {
	a.rig.mu.Lock()
	defer a.rig.mu.Unlock()
	if err := a.rig.check(); err != nil {
		return err
	}
	a.ModelResets++
	return nil
}

func (a *Aligner) Abort(context.Context) error {
	a.rig.mu.Lock()
	defer a.rig.mu.Unlock()
	a.run = op{}
	a.status = device.ProcessAborted
	return a.rig.check()
}

func (a *Aligner) Status(context.Context) (device.ProcessStatus, error) {
	a.rig.mu.Lock()
	defer a.rig.mu.Unlock()
	if err := a.rig.check(); err != nil {
		return device.ProcessFailed, err
	}
	if a.run.poll() {
		a.status = device.ProcessComplete
		if a.FailNext > 0 {
			a.FailNext--
			a.status = device.ProcessFailed
		}
	}
	return a.status, nil
}

// Guider is a simulated autoguider.
type Guider struct {
	rig    *Rig
	status device.GuideStatus
	run    op

	FailNext          int
	Starts            int
	CalibrationClears int
}

func (g *Guider) StartAutoCalibrateGuide(context.Context) error {
	g.rig.mu.Lock()
	defer g.rig.mu.Unlock()
	if err := g.rig.check(); err != nil {
		return err
	}
	g.Starts++
	g.status = device.GuideBusy
	g.run.start(g.rig.Latency)
	return nil
}

func (g *Guider) ClearCalibration(context.Context) error {
	g.rig.mu.Lock()
	defer g.rig.mu.Unlock()
	if err := g.rig.check(); err != nil {
		return err
	}
	g.CalibrationClears++
	return nil
}

func (g *Guider) Abort(context.Context) error {
	g.rig.mu.Lock()
	defer g.rig.mu.Unlock()
	g.run = op{}
	g.status = device.GuideIdle
	return g.rig.check()
}

func (g *Guider) Status(context.Context) (device.GuideStatus, error) {
	g.rig.mu.Lock()
	defer g.rig.mu.Unlock()
	if err := g.rig.check(); err != nil {
		return device.GuideAborted, err
	}
	if g.run.poll() {
		g.status = device.GuideGuiding
		if g.FailNext > 0 {
			g.FailNext--
			g.status = device.GuideCalibrationError
		}
	}
	return g.status, nil
}

// SetStatus forces the guider status, for example to simulate a dither error.
func (g *Guider) SetStatus(s device.GuideStatus) {
	g.rig.mu.Lock()
	defer g.rig.mu.Unlock()
	g.run = op{}
	g.status = s
}

// Capture is a simulated capture sequence runner.
type Capture struct {
	rig    *Rig
	status device.CaptureStatus
	run    op
	seq    *model.Sequence

	FailNext   int
	Starts     int
	Completed  int
	WarmedCCD  bool
	TargetName string
	Captured   map[string]int
}

func (c *Capture) LoadSequence(_ context.Context, path string) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	if err := c.rig.check(); err != nil {
		return err
	}
	seq, err := sequence.Load(path)
	if err != nil {
		return err
	}
	c.seq = seq
	return nil
}

func (c *Capture) SetTargetName(_ context.Context, name string) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	c.TargetName = name
	return c.rig.check()
}

func (c *Capture) SetCapturedFrames(_ context.Context, frames map[string]int) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	c.Captured = make(map[string]int, len(frames))
	for k, v := range frames {
		c.Captured[k] = v
	}
	return c.rig.check()
}

func (c *Capture) Start(context.Context) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	if err := c.rig.check(); err != nil {
		return err
	}
	if c.seq == nil {
		return errors.New("no sequence loaded")
	}
	c.Starts++
	c.status = device.CaptureBusy
	c.run.start(c.rig.Latency)
	return nil
}

func (c *Capture) Abort(context.Context) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	c.run = op{}
	c.status = device.CaptureAborted
	return c.rig.check()
}

func (c *Capture) Status(context.Context) (device.CaptureStatus, error) {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	if err := c.rig.check(); err != nil {
		return device.CaptureError, err
	}
	if c.run.poll() {
		if c.FailNext > 0 {
			c.FailNext--
			c.status = device.CaptureError
		} else {
			c.status = device.CaptureComplete
			c.Completed++
			c.record()
		}
	}
	return c.status, nil
}

// record adds the frames still missing from each storage location.
func (c *Capture) record() {
	if c.rig.Frames == nil || c.seq == nil {
		return
	}
	for _, item := range c.seq.Items {
		if item.Upload == model.UploadRemote {
			continue
		}
		sig := sequence.Signature(item, c.TargetName)
		missing := item.Count - c.Captured[sig]
		if missing > 0 {
			c.rig.Frames.Add(sig, missing)
		}
	}
}

func (c *Capture) WarmCCD(context.Context) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	c.WarmedCCD = true
	return c.rig.check()
}

// Weather is a simulated weather station.
type Weather struct {
	rig    *Rig
	status device.WeatherStatus
	Polls  int
}

func (w *Weather) Status(context.Context) (device.WeatherStatus, error) {
	w.rig.mu.Lock()
	defer w.rig.mu.Unlock()
	if err := w.rig.check(); err != nil {
		return device.WeatherIdle, err
	}
	w.Polls++
	return w.status, nil
}

// Set changes the reported weather.
func (w *Weather) Set(s device.WeatherStatus) {
	w.rig.mu.Lock()
	defer w.rig.mu.Unlock()
	w.status = s
}
