// Package camera owns the live camera sessions: at most one scene stream
// and one self stream, opened and released strictly one after another.
package camera

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
)

// DeviceInfo describes one enumerated camera.
type DeviceInfo struct {
	ID          string
	Label       string
	Facing      types.Facing
	FacingKnown bool // false when the label gave no hint
}

// Constraints select a device and resolution for Driver.Open.
// DeviceID wins over Facing. AnyFacing ignores Facing entirely.
type Constraints struct {
	DeviceID  string
	Facing    types.Facing
	AnyFacing bool
	Width     int
	Height    int
	FPS       int
}

// Stream is an open hardware claim producing frames.
type Stream interface {
	// Latest returns the most recent frame, or nil before the first one.
	Latest() *types.Frame
	// Device reports which camera the stream was opened on.
	Device() DeviceInfo
	// Close releases the hardware claim and returns once it is released.
	Close() error
}

// Driver is the platform camera backend.
type Driver interface {
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// InferFacing guesses a camera's facing from its label.
func InferFacing(label string) (types.Facing, bool) {
	l := strings.ToLower(label)
	for _, k := range []string{"back", "rear", "environment"} {
		if strings.Contains(l, k) {
			return types.Environment, true
		}
	}
	for _, k := range []string{"front", "user", "facetime"} {
		if strings.Contains(l, k) {
			return types.User, true
		}
	}
	return types.Environment, false
}

// Session is one active camera stream with its role.
type Session struct {
	ID       uuid.UUID
	Role     types.Role
	Facing   types.Facing
	DeviceID string
	Width    int
	Height   int
	Started  time.Time

	stream   Stream
	once     sync.Once
	closeErr error
}

func newSession(role types.Role, facing types.Facing, c Constraints, s Stream) *Session {
	return &Session{
		ID:       uuid.New(),
		Role:     role,
		Facing:   facing,
		DeviceID: s.Device().ID,
		Width:    c.Width,
		Height:   c.Height,
		Started:  time.Now(),
		stream:   s,
	}
}

// Frame returns the stream's latest frame tagged with the session ID, nil
// when none has arrived. Pixels are shared with the stream.
func (s *Session) Frame() *types.Frame {
	if s == nil {
		return nil
	}
	latest := s.stream.Latest()
	if latest == nil {
		return nil
	}
	f := *latest
	f.Source = s.ID
	return &f
}

// Close releases the stream. Safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
