package types

import "errors"

var (
	// ErrDeviceUnavailable means no camera exists or the requested facing is absent.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrPermissionDenied means the platform refused camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDualCameraUnsupported means a second concurrent camera claim is not possible.
	ErrDualCameraUnsupported = errors.New("dual camera unsupported")
	// ErrDetectionFailure wraps transient inference errors. It never leaves the detector.
	ErrDetectionFailure = errors.New("face detection failed")
	// ErrUnsupportedStyle is returned when parsing an unknown cover style.
	ErrUnsupportedStyle = errors.New("unsupported cover style")
)
