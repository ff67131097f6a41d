package interceptor

// Error is a simple error type for interceptor errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrDisposed is returned when adding listeners to, or applying, an
	// interceptor that is being or has been disposed.
	ErrDisposed = Error("interceptor is disposed")

	// ErrEmptySymbol is returned when creating an interceptor without a capability key.
	ErrEmptySymbol = Error("interceptor symbol cannot be empty")

	// ErrNilSetup is returned when creating an interceptor without a Setup.
	ErrNilSetup = Error("interceptor setup cannot be nil")
)
