// Package sim is a simulated observatory implementing every device port.
//
// Commands complete after a configurable number of status polls, and each
// device can be told to fail its next runs, which makes the scheduler's
// retry and abort paths reproducible in tests and demos.
package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/pkg/model"
)

// Rig holds the shared state of all simulated devices.
type Rig struct {
	mu sync.Mutex

	// Latency is the number of status polls an operation stays busy.
	Latency int

	// Frames receives the frames "captured" by completed sequences.
	Frames *sequence.MapCounter

	connected    bool
	connecting   op
	lost         bool
	neverConnect bool

	Mount   *Mount
	Dome    *Dome
	Cap     *Cap
	Focuser *Focuser
	Aligner *Aligner
	Guider  *Guider
	Capture *Capture
	Weather *Weather
}

// op counts down the polls left before an operation completes.
type op struct {
	active    bool
	remaining int
}

func (o *op) start(latency int) {
	o.active = true
	o.remaining = latency
}

// poll advances the operation and reports whether it just completed.
func (o *op) poll() bool {
	if !o.active {
		return false
	}
	if o.remaining > 0 {
		o.remaining--
		return false
	}
	o.active = false
	return true
}

// New creates a parked, disconnected observatory with OK weather.
func New() *Rig {
	r := &Rig{Latency: 1, Frames: sequence.NewMapCounter()}
	r.Mount = &Mount{rig: r, park: parker{rig: r, status: device.Parked}, slew: device.SlewIdle}
	r.Dome = &Dome{rig: r, park: parker{rig: r, status: device.Parked}}
	r.Cap = &Cap{rig: r, park: parker{rig: r, status: device.Parked}}
	r.Focuser = &Focuser{rig: r, AutoFocus: true, status: device.ProcessIdle}
	r.Aligner = &Aligner{rig: r, status: device.ProcessIdle}
	r.Guider = &Guider{rig: r, status: device.GuideIdle}
	r.Capture = &Capture{rig: r, status: device.CaptureIdle}
	r.Weather = &Weather{rig: r, status: device.WeatherOK}
	return r
}

// Ports returns the rig as the device ports used by the scheduler.
func (r *Rig) Ports() device.Rig {
	return device.Rig{
		Connector: r,
		Mount:     r.Mount,
		Dome:      r.Dome,
		Cap:       r.Cap,
		Focuser:   r.Focuser,
		Aligner:   r.Aligner,
		Guider:    r.Guider,
		Capture:   r.Capture,
		Weather:   r.Weather,
	}
}

// check returns ErrDisconnected once the link is lost. Callers hold r.mu.
func (r *Rig) check() error {
	if r.lost {
		return device.ErrDisconnected
	}
	return nil
}

func (r *Rig) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = false
	if !r.connected {
		r.connecting.start(r.Latency)
	}
	return nil
}

func (r *Rig) Connected(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.neverConnect {
		return false, nil
	}
	if r.connecting.poll() {
		r.connected = true
	}
	return r.connected, nil
}

func (r *Rig) Disconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	r.connecting = op{}
	return nil
}

// LoseConnection makes every device call fail with device.ErrDisconnected.
func (r *Rig) LoseConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = true
	r.connected = false
}

// RefuseConnection keeps Connected false forever.
func (r *Rig) RefuseConnection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.neverConnect = true
}

// parker is the parking behaviour shared by mount, dome and cap.
type parker struct {
	rig    *Rig
	status device.ParkStatus
	op     op
	target device.ParkStatus
	fail   bool
}

func (p *parker) request(target, transit device.ParkStatus) error {
	if err := p.rig.check(); err != nil {
		return err
	}
	if p.status == target {
		return nil
	}
	p.status = transit
	p.target = target
	p.op.start(p.rig.Latency)
	return nil
}

func (p *parker) poll() (device.ParkStatus, error) {
	if err := p.rig.check(); err != nil {
		return device.ParkError, err
	}
	if p.op.poll() {
		if p.fail {
			p.status = device.ParkError
		} else {
			p.status = p.target
		}
	}
	return p.status, nil
}

// Mount is a simulated telescope mount.
type Mount struct {
	rig    *Rig
	park   parker
	slew   device.SlewStatus
	slewOp op

	// FailSlews makes every slew end in ALERT.
	FailSlews bool
	// Slews counts slew requests.
	Slews  int
	Target model.Coordinates
}

func (m *Mount) SlewTo(_ context.Context, target model.Coordinates) error {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	if err := m.rig.check(); err != nil {
		return err
	}
	if m.park.status != device.Unparked {
		return errors.New("mount is parked")
	}
	m.Slews++
	m.Target = target
	m.slew = device.SlewBusy
	m.slewOp.start(m.rig.Latency)
	return nil
}

func (m *Mount) Abort(context.Context) error {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	if err := m.rig.check(); err != nil {
		return err
	}
	m.slewOp = op{}
	m.slew = device.SlewIdle
	return nil
}

func (m *Mount) SlewStatus(context.Context) (device.SlewStatus, error) {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	if err := m.rig.check(); err != nil {
		return device.SlewAlert, err
	}
	if m.slewOp.poll() {
		if m.FailSlews {
			m.slew = device.SlewAlert
		} else {
			m.slew = device.SlewOK
		}
	}
	return m.slew, nil
}

func (m *Mount) Park(context.Context) error {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	m.slew = device.SlewIdle
	return m.park.request(device.Parked, device.Parking)
}

func (m *Mount) Unpark(context.Context) error {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	return m.park.request(device.Unparked, device.Unparking)
}

func (m *Mount) ParkStatus(context.Context) (device.ParkStatus, error) {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	return m.park.poll()
}

// SetParked forces the parking state.
func (m *Mount) SetParked(parked bool) {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	m.park.op = op{}
	if parked {
		m.park.status = device.Parked
	} else {
		m.park.status = device.Unparked
	}
}

// FailParking makes every park and unpark end in ERROR.
func (m *Mount) FailParking(fail bool) {
	m.rig.mu.Lock()
	defer m.rig.mu.Unlock()
	m.park.fail = fail
}

// Dome is a simulated dome.
type Dome struct {
	rig  *Rig
	park parker

	Moving bool
}

func (d *Dome) Park(context.Context) error {
	d.rig.mu.Lock()
	defer d.rig.mu.Unlock()
	return d.park.request(device.Parked, device.Parking)
}

func (d *Dome) Unpark(context.Context) error {
	d.rig.mu.Lock()
	defer d.rig.mu.Unlock()
	return d.park.request(device.Unparked, device.Unparking)
}

func (d *Dome) ParkStatus(context.Context) (device.ParkStatus, error) {
	d.rig.mu.Lock()
	defer d.rig.mu.Unlock()
	return d.park.poll()
}

func (d *Dome) IsMoving(context.Context) (bool, error) {
	d.rig.mu.Lock()
	defer d.rig.mu.Unlock()
	if err := d.rig.check(); err != nil {
		return false, err
	}
	return d.Moving, nil
}

// Cap is a simulated dust cap.
type Cap struct {
	rig  *Rig
	park parker
}

func (c *Cap) Park(context.Context) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	return c.park.request(device.Parked, device.Parking)
}

func (c *Cap) Unpark(context.Context) error {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	return c.park.request(device.Unparked, device.Unparking)
}

func (c *Cap) ParkStatus(context.Context) (device.ParkStatus, error) {
	c.rig.mu.Lock()
	defer c.rig.mu.Unlock()
	return c.park.poll()
}
