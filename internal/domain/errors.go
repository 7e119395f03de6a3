package domain

import "errors"

var (
	// ErrUnsupportedLanguage is returned for an unknown language identifier.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrInvalidSource is returned when the entry point cannot be derived from the source.
	ErrInvalidSource = errors.New("invalid source")

	// ErrCompilation is returned when the compiler reported real diagnostics.
	ErrCompilation = errors.New("compilation failed")

	// ErrRuntimeStream is returned when the exec stream failed at the transport level.
	ErrRuntimeStream = errors.New("exec stream failed")

	// ErrProvisioning is returned when the isolated environment could not be created or started.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrUpload is returned when the source archive could not be built or copied.
	ErrUpload = errors.New("upload failed")

	// ErrTimeoutExceeded is returned when a phase ran past its configured ceiling.
	ErrTimeoutExceeded = errors.New("execution timeout exceeded")

	// ErrTeardown is logged when stop or remove of the environment failed. It is never surfaced.
	ErrTeardown = errors.New("teardown failed")

	// ErrRelayClosed is returned when writing to a closed input relay.
	ErrRelayClosed = errors.New("input relay closed")
)
