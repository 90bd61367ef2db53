package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
)

// Default timings.
const (
	DefaultBaudRate          = 115200
	DefaultReadTimeout       = 10 * time.Millisecond
	DefaultPollInterval      = 10 * time.Millisecond
	DefaultErrorCooldown     = time.Second
	DefaultWriteTimeout      = time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultStopTimeout       = 3 * time.Second

	// readBufferSize is the size of a single port read.
	readBufferSize = 1024

	// maxReadErrors is how many consecutive read failures close a port.
	maxReadErrors = 5
)

var errWriteTimeout = errors.New("write timed out")

// Options tunes a Manager. Zero fields take the defaults above.
type Options struct {
	BaudRate          int
	ReadTimeout       time.Duration
	PollInterval      time.Duration
	ErrorCooldown     time.Duration
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
	CommandTimeout    time.Duration // protocol.DefaultCommandTimeout when zero
	SweepInterval     time.Duration
	StopTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&o.BaudRate, DefaultBaudRate)
	setDur(&o.ReadTimeout, DefaultReadTimeout)
	setDur(&o.PollInterval, DefaultPollInterval)
	setDur(&o.ErrorCooldown, DefaultErrorCooldown)
	setDur(&o.WriteTimeout, DefaultWriteTimeout)
	setDur(&o.ReconnectInterval, DefaultReconnectInterval)
	setDur(&o.CommandTimeout, protocol.DefaultCommandTimeout)
	setDur(&o.SweepInterval, DefaultSweepInterval)
	setDur(&o.StopTimeout, DefaultStopTimeout)
	return o
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats summarises all devices.
type Stats struct {
	Devices          int
	Online           int
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	Protocol         protocol.Stats
}

// Manager owns the controller connections.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event handlers are invoked on the device's read loop goroutine.
type Manager struct {
	opts    Options
	open    Opener
	handler *protocol.Handler
	logger  Logger
	now     func() time.Time

	mu      sync.RWMutex
	devices map[string]*device
	order   []string

	handlersMu sync.RWMutex
	handlers   map[EventType][]EventHandler

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. A nil opener uses SerialOpener.
func NewManager(opts Options, opener Opener) *Manager {
	if opener == nil {
		opener = SerialOpener
	}
	return &Manager{
		opts:     opts.withDefaults(),
		open:     opener,
		handler:  protocol.NewHandler(),
		logger:   noopLogger{},
		now:      time.Now,
		devices:  make(map[string]*device),
		handlers: make(map[EventType][]EventHandler),
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	m.logger = l
}

// Handler returns the protocol handler shared by all devices.
func (m *Manager) Handler() *protocol.Handler {
	return m.handler
}

// AddDevice registers a device. It is not opened until ConnectAll.
func (m *Manager) AddDevice(cfg DeviceConfig) error {
	if cfg.Format == "" {
		cfg.Format = FormatText
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = m.opts.BaudRate
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[cfg.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidDevice, cfg.ID)
	}
	m.devices[cfg.ID] = &device{cfg: cfg}
	m.order = append(m.order, cfg.ID)
	return nil
}

func (m *Manager) device(id string) (*device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	return d, ok
}

func (m *Manager) allDevices() []*device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id])
	}
	return out
}

// ConnectAll opens every offline device. It returns true only if all
// devices are online afterwards; devices that fail are left offline and the
// rest are still opened.
func (m *Manager) ConnectAll(ctx context.Context) bool {
	all := true
	for _, d := range m.allDevices() {
		if ctx.Err() != nil {
			return false
		}
		if d.currentPort() != nil {
			continue
		}
		if err := m.connect(d); err != nil {
			all = false
		}
	}
	return all
}

func (m *Manager) connect(d *device) error {
	port, err := m.open(d.cfg.Endpoint, d.cfg.BaudRate)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrOpenFailed, d.cfg.Endpoint, err)
		d.recordError(err)
		m.logger.Warn("device connect failed", "device", d.cfg.ID, "endpoint", d.cfg.Endpoint, "error", err)
		return err
	}
	if err := port.SetReadTimeout(m.opts.ReadTimeout); err != nil {
		port.Close() //nolint:errcheck // already failing
		err = fmt.Errorf("%w: %s: set read timeout: %w", ErrOpenFailed, d.cfg.Endpoint, err)
		d.recordError(err)
		m.logger.Warn("device connect failed", "device", d.cfg.ID, "endpoint", d.cfg.Endpoint, "error", err)
		return err
	}

	if old := d.setPort(port); old != nil {
		old.Close() //nolint:errcheck // replaced
	}
	m.logger.Info("device connected", "device", d.cfg.ID, "endpoint", d.cfg.Endpoint, "role", d.cfg.Role)
	return nil
}

// markOffline closes the device port after a failure. The caller has
// already recorded the error.
func (m *Manager) markOffline(d *device, cause error) {
	if old := d.setPort(nil); old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("port close failed", "device", d.cfg.ID, "error", err)
		}
		m.logger.Warn("device offline", "device", d.cfg.ID, "error", cause)
	}
}

// Subscribe registers h for events of type ev. Handlers are invoked in
// registration order.
func (m *Manager) Subscribe(ev EventType, h EventHandler) {
	if h == nil {
		return
	}
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[ev] = append(m.handlers[ev], h)
}

// Start launches one read loop per device that is online, plus the pending
// command sweeper. The loops stop when ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	started := 0
	for _, d := range m.allDevices() {
		if d.currentPort() == nil {
			m.logger.Warn("device offline at start, no read loop", "device", d.cfg.ID)
			continue
		}
		g.Go(func() error {
			m.readLoop(gctx, d)
			return nil
		})
		started++
	}
	g.Go(func() error {
		m.sweepLoop(gctx)
		return nil
	})

	done := make(chan struct{})
	go func() {
		g.Wait() //nolint:errcheck // loops never return errors
		close(done)
	}()

	m.cancel = cancel
	m.done = done
	m.logger.Info("device manager started", "read_loops", started)
	return nil
}

// Stop cancels the read loops, waits for them up to the stop timeout and
// closes every port. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(m.opts.StopTimeout):
			m.logger.Warn("read loops did not stop in time", "timeout", m.opts.StopTimeout)
		}
	}

	var errs []error
	for _, d := range m.allDevices() {
		if p := d.setPort(nil); p != nil {
			if err := p.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", d.cfg.ID, err))
			}
		}
	}
	if cancel != nil {
		m.logger.Info("device manager stopped")
	}
	return errors.Join(errs...)
}

func (m *Manager) readLoop(ctx context.Context, d *device) {
	buf := make([]byte, readBufferSize)
	frames := protocol.NewFrameBuffer()
	overflows := frames.Overflows()
	readErrors := 0

	for ctx.Err() == nil {
		port := d.currentPort()
		if port == nil {
			if !sleep(ctx, m.opts.ReconnectInterval) {
				return
			}
			if m.connect(d) == nil {
				frames.Reset()
				readErrors = 0
			}
			continue
		}

		n, err := port.Read(buf)
		if errors.Is(err, io.EOF) {
			// Some drivers report an idle port as EOF.
			err = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			readErrors++
			d.recordError(fmt.Errorf("read: %w", err))
			m.logger.Error("device read failed", "device", d.cfg.ID, "error", err)
			if readErrors >= maxReadErrors {
				m.markOffline(d, fmt.Errorf("%d consecutive read errors: %w", readErrors, err))
				continue
			}
			if !sleep(ctx, m.opts.ErrorCooldown) {
				return
			}
			continue
		}
		readErrors = 0

		if n == 0 {
			if !sleep(ctx, m.opts.PollInterval) {
				return
			}
			continue
		}

		for _, line := range frames.Write(buf[:n]) {
			m.processFrame(ctx, d, line)
		}
		if o := frames.Overflows(); o != overflows {
			overflows = o
			m.logger.Warn("frame buffer overflow, data dropped", "device", d.cfg.ID, "overflows", o)
		}
	}
}

func (m *Manager) processFrame(ctx context.Context, d *device, line string) {
	msg, err := m.handler.Parse(line)
	if err != nil {
		if !errors.Is(err, protocol.ErrEmptyFrame) {
			m.logger.Debug("frame parse failed", "device", d.cfg.ID, "frame", line, "error", err)
		}
		return
	}
	d.markSeen(m.now())

	if resp, ok := msg.Payload.(protocol.CommandResponse); ok && resp.CommandID != "" {
		if !m.handler.MarkCompleted(resp.CommandID) {
			m.logger.Debug("response for unknown command", "device", d.cfg.ID, "cmd_id", resp.CommandID)
		}
	}

	evType, ok := eventFor(msg)
	if !ok {
		return
	}
	m.dispatch(ctx, Event{Type: evType, DeviceID: d.cfg.ID, Role: d.cfg.Role, Message: msg})
}

func (m *Manager) dispatch(ctx context.Context, ev Event) {
	m.handlersMu.RLock()
	hs := append([]EventHandler(nil), m.handlers[ev.Type]...)
	m.handlersMu.RUnlock()

	for _, h := range hs {
		m.invoke(ctx, h, ev)
	}
}

func (m *Manager) invoke(ctx context.Context, h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "event", ev.Type, "device", ev.DeviceID, "panic", r)
		}
	}()
	if err := h.HandleEvent(ctx, ev); err != nil {
		m.logger.Warn("event handler failed", "event", ev.Type, "device", ev.DeviceID, "error", err)
	}
}

// Inject processes line as if it had been read from deviceID. The
// lockerkiosk --simulate flag and tests use it.
func (m *Manager) Inject(ctx context.Context, deviceID, line string) error {
	d, ok := m.device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	m.processFrame(ctx, d, line)
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.handler.SweepExpired(m.opts.CommandTimeout); n > 0 {
				m.logger.Debug("expired pending commands", "count", n)
			}
		}
	}
}

// SendCommand encodes cmd for deviceID and writes it, returning the
// correlation id.
func (m *Manager) SendCommand(ctx context.Context, deviceID string, cmd protocol.Command) (string, error) {
	d, ok := m.device(deviceID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if cmd == nil || !d.cfg.Role.Accepts(cmd) {
		name := "<nil>"
		if cmd != nil {
			name = cmd.Name()
		}
		return "", fmt.Errorf("%w: %s to %s (%s)", ErrUnsupportedCommand, name, deviceID, d.cfg.Role)
	}
	port := d.currentPort()
	if port == nil {
		return "", fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}

	var (
		frame protocol.Frame
		err   error
	)
	if d.cfg.Format == FormatJSON {
		frame, err = m.handler.EncodeJSON(cmd)
	} else {
		frame, err = m.handler.Encode(cmd)
	}
	if err != nil {
		return "", err
	}

	if err := m.write(ctx, d, port, frame.Bytes()); err != nil {
		m.handler.MarkCompleted(frame.ID)
		if ctx.Err() == nil {
			werr := fmt.Errorf("write: %w", err)
			d.recordError(werr)
			m.markOffline(d, werr)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrWriteFailed, deviceID, err)
	}

	d.sent.Add(1)
	m.logger.Debug("command sent", "device", deviceID, "cmd_id", frame.ID, "command", cmd.Name())
	return frame.ID, nil
}

// write sends b on port, bounded by the write timeout and ctx. A write
// that does not finish in time closes port before writeMu is released; the
// abandoned Write then fails on the closed port instead of interleaving
// with the next frame.
func (m *Manager) write(ctx context.Context, d *device, port Port, b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		n, err := port.Write(b)
		if err == nil && n < len(b) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	timer := time.NewTimer(m.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		m.closeStuck(d, port, errWriteTimeout)
		return errWriteTimeout
	case <-ctx.Done():
		m.closeStuck(d, port, ctx.Err())
		return ctx.Err()
	}
}

// closeStuck takes port offline after a write on it was abandoned.
func (m *Manager) closeStuck(d *device, port Port, cause error) {
	if d.clearPort(port) {
		m.logger.Warn("device offline", "device", d.cfg.ID, "error", fmt.Errorf("write: %w", cause))
	}
	if err := port.Close(); err != nil {
		m.logger.Debug("port close failed", "device", d.cfg.ID, "error", err)
	}
}

// DeviceStatus returns a snapshot of one device.
func (m *Manager) DeviceStatus(id string) (DeviceStatus, bool) {
	d, ok := m.device(id)
	if !ok {
		return DeviceStatus{}, false
	}
	return d.status(), true
}

// AllDeviceStatus returns snapshots of every device in registration order.
func (m *Manager) AllDeviceStatus() []DeviceStatus {
	devs := m.allDevices()
	out := make([]DeviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.status())
	}
	return out
}

// Stats returns totals across devices.
func (m *Manager) Stats() Stats {
	st := Stats{Protocol: m.handler.Stats()}
	for _, s := range m.AllDeviceStatus() {
		st.Devices++
		if s.Online {
			st.Online++
		}
		st.MessagesSent += s.MessagesSent
		st.MessagesReceived += s.MessagesReceived
		st.Errors += s.Errors
	}
	return st
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
