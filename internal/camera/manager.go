package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/veil/internal/types"
)

// State is the session manager's mode.
type State int

const (
	Idle State = iota
	SingleActive
	DualActive
	DegradedSingle // interview requested, self stream unavailable
)

func (s State) String() string {
	switch s {
	case SingleActive:
		return "single"
	case DualActive:
		return "dual"
	case DegradedSingle:
		return "degraded"
	}
	return "idle"
}

// Size is a resolution hint.
type Size struct {
	Width, Height int
}

// Manager owns zero, one or two sessions. All methods serialise on one lock,
// so hardware claims are released before new ones are requested.
type Manager struct {
	driver Driver
	log    *slog.Logger

	sceneHint Size
	selfHint  Size
	fps       int

	mu        sync.Mutex // serialises operations, held across driver.Open
	facing    types.Facing
	scene     *Session
	self      *Session
	interview bool

	// active mirrors the fields above for readers that must never wait on
	// an operation, such as the render loop
	active atomic.Pointer[snapshot]
}

type snapshot struct {
	facing    types.Facing
	scene     *Session
	self      *Session
	interview bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithFacing sets the initial scene facing.
func WithFacing(f types.Facing) Option {
	return func(m *Manager) {
		m.facing = f
	}
}

// WithResolution sets the ideal scene and self resolutions.
func WithResolution(scene, self Size) Option {
	return func(m *Manager) {
		m.sceneHint = scene
		m.selfHint = self
	}
}

// WithFPS sets the requested capture rate.
func WithFPS(fps int) Option {
	return func(m *Manager) {
		m.fps = fps
	}
}

// NewManager creates an idle manager over driver.
func NewManager(driver Driver, opts ...Option) *Manager {
	m := &Manager{
		driver:    driver,
		log:       slog.Default(),
		sceneHint: Size{1280, 720},
		selfHint:  Size{640, 480},
		fps:       30,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publishLocked()
	return m
}

// publishLocked makes the current sessions visible to lock-free readers.
func (m *Manager) publishLocked() {
	m.active.Store(&snapshot{facing: m.facing, scene: m.scene, self: m.self, interview: m.interview})
}

// StartScene releases any current scene session and opens a new one with facing.
func (m *Manager) StartScene(ctx context.Context, facing types.Facing) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.facing = facing
	m.publishLocked()
	return m.startSceneLocked(ctx, m.sceneConstraints(Constraints{Facing: facing}))
}

// StartSelf opens the self stream next to the active scene session.
// It returns an error wrapping types.ErrDualCameraUnsupported when a second
// concurrent claim is impossible.
func (m *Manager) StartSelf(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, err := m.driver.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate: %w", types.ErrDualCameraUnsupported, err)
	}
	return m.startSelfLocked(ctx, devices)
}

// EnterInterview swaps the single session for a scene session plus a self
// session. supported is false when the manager fell back to DegradedSingle;
// err is only set when not even a scene camera could be opened.
func (m *Manager) EnterInterview(ctx context.Context) (supported bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interview {
		return m.self != nil, nil
	}

	// 1. The normal single-camera session goes first
	m.stopAllLocked()

	devices, err := m.driver.Enumerate(ctx)
	if err != nil {
		m.log.Warn("Camera enumeration failed", "error", err)
		devices = nil
	}

	// 2. Scene camera: labelled rear device, then rear facing, then anything
	c := Constraints{Facing: types.Environment}
	if rear, ok := pickByFacing(devices, types.Environment); ok {
		c.DeviceID = rear.ID
	}
	if _, err := m.startSceneLocked(ctx, m.sceneConstraints(c)); err != nil {
		m.log.Warn("Rear camera unavailable, trying any camera", "error", err)
		if err := m.startAnySceneLocked(ctx, devices, c.DeviceID); err != nil {
			return false, err
		}
	}
	m.interview = true
	m.publishLocked()

	// 3. Self camera, best effort
	if _, err := m.startSelfLocked(ctx, devices); err != nil {
		m.log.Info("Interview running without self view", "error", err)
		return false, nil
	}
	return true, nil
}

// ExitInterview releases both sessions and restarts the single scene session
// with the remembered facing. It is a no-op outside interview mode.
func (m *Manager) ExitInterview(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.interview {
		return nil
	}
	m.stopAllLocked()
	_, err := m.startSceneLocked(ctx, m.sceneConstraints(Constraints{Facing: m.facing}))
	return err
}

// Flip toggles the scene facing and reopens the scene session.
func (m *Manager) Flip(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interview {
		return nil, errors.New("cannot flip while interview mode is active")
	}
	m.facing = m.facing.Toggle()
	m.publishLocked()
	return m.startSceneLocked(ctx, m.sceneConstraints(Constraints{Facing: m.facing}))
}

// StopAll releases every session. Safe when nothing is active.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopAllLocked()
}

// State reports the current mode.
func (m *Manager) State() State {
	a := m.active.Load()
	switch {
	case a.scene == nil:
		return Idle
	case a.interview && a.self != nil:
		return DualActive
	case a.interview:
		return DegradedSingle
	}
	return SingleActive
}

// Facing returns the remembered scene facing.
func (m *Manager) Facing() types.Facing {
	return m.active.Load().facing
}

// Scene returns the active scene session, or nil.
func (m *Manager) Scene() *Session {
	return m.active.Load().scene
}

// SceneFrame returns the latest scene frame, or nil. It never waits on a
// camera operation in progress.
func (m *Manager) SceneFrame() *types.Frame {
	return m.active.Load().scene.Frame()
}

// SelfFrame returns the latest self frame while dual mode is active, else nil.
func (m *Manager) SelfFrame() *types.Frame {
	a := m.active.Load()
	if !a.interview {
		return nil
	}
	return a.self.Frame()
}

// Devices lists cameras with their inferred facing.
func (m *Manager) Devices(ctx context.Context) ([]DeviceInfo, error) {
	return m.driver.Enumerate(ctx)
}

func (m *Manager) sceneConstraints(c Constraints) Constraints {
	c.Width, c.Height, c.FPS = m.sceneHint.Width, m.sceneHint.Height, m.fps
	return c
}

func (m *Manager) startSceneLocked(ctx context.Context, c Constraints) (*Session, error) {
	if m.scene != nil {
		if err := m.scene.Close(); err != nil {
			m.log.Warn("Closing previous scene session", "error", err)
		}
		m.scene = nil
		m.publishLocked()
	}

	stream, err := m.driver.Open(ctx, c)
	if err != nil {
		return nil, classify(err)
	}
	facing := c.Facing
	if info := stream.Device(); info.FacingKnown {
		facing = info.Facing
	}
	m.scene = newSession(types.Scene, facing, c, stream)
	m.publishLocked()
	m.log.Debug("Scene session started", "session", m.scene.ID, "device", m.scene.DeviceID, "facing", facing)
	return m.scene, nil
}

// startAnySceneLocked tries every enumerated camera except skip, or lets the
// driver choose when enumeration gave nothing.
func (m *Manager) startAnySceneLocked(ctx context.Context, devices []DeviceInfo, skip string) error {
	if len(devices) == 0 {
		_, err := m.startSceneLocked(ctx, m.sceneConstraints(Constraints{AnyFacing: true}))
		return err
	}
	err := fmt.Errorf("%w: no usable camera", types.ErrDeviceUnavailable)
	for _, dev := range devices {
		if dev.ID == skip {
			continue
		}
		if _, err = m.startSceneLocked(ctx, m.sceneConstraints(Constraints{DeviceID: dev.ID, Facing: dev.Facing})); err == nil {
			return nil
		}
	}
	return err
}

func (m *Manager) startSelfLocked(ctx context.Context, devices []DeviceInfo) (*Session, error) {
	if m.self != nil {
		m.self.Close()
		m.self = nil
		m.publishLocked()
	}
	if len(devices) < 2 {
		return nil, fmt.Errorf("%w: %d camera(s) found", types.ErrDualCameraUnsupported, len(devices))
	}

	c := Constraints{
		Facing: types.User,
		Width:  m.selfHint.Width,
		Height: m.selfHint.Height,
		FPS:    m.fps,
	}
	if front, ok := pickByFacing(devices, types.User); ok {
		c.DeviceID = front.ID
	}
	if m.scene != nil && c.DeviceID == m.scene.DeviceID {
		return nil, fmt.Errorf("%w: self camera is the scene camera", types.ErrDualCameraUnsupported)
	}

	stream, err := m.driver.Open(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrDualCameraUnsupported, err)
	}
	if m.scene != nil && stream.Device().ID == m.scene.DeviceID {
		stream.Close()
		return nil, fmt.Errorf("%w: driver resolved self to the scene camera", types.ErrDualCameraUnsupported)
	}
	m.self = newSession(types.Self, types.User, c, stream)
	m.publishLocked()
	m.log.Debug("Self session started", "session", m.self.ID, "device", m.self.DeviceID)
	return m.self, nil
}

func (m *Manager) stopAllLocked() error {
	var errs []error
	if m.self != nil {
		errs = append(errs, m.self.Close())
		m.self = nil
	}
	if m.scene != nil {
		errs = append(errs, m.scene.Close())
		m.scene = nil
	}
	m.interview = false
	m.publishLocked()
	return errors.Join(errs...)
}

func pickByFacing(devices []DeviceInfo, f types.Facing) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.FacingKnown && d.Facing == f {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// classify maps driver errors onto the camera error taxonomy.
func classify(err error) error {
	if errors.Is(err, types.ErrPermissionDenied) || errors.Is(err, types.ErrDeviceUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrDeviceUnavailable, err)
}
