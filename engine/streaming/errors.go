package streaming

import "github.com/pkg/errors"

var (
	// ErrUnregisteredClass is returned when writing a value whose type is not registered
	ErrUnregisteredClass = errors.New("unregistered class")
	// ErrUnknownClassCode is returned when a positive class code was never introduced on the stream
	ErrUnknownClassCode = errors.New("unknown class code")
	// ErrUnknownClassName is returned when the stream introduces a class the registry does not know
	ErrUnknownClassName = errors.New("unknown class name")
	// ErrClassCodeConflict is returned when a class code is introduced twice with different classes
	ErrClassCodeConflict = errors.New("class code conflict")
	// ErrShortRead is returned when the payload ends in the middle of a value
	ErrShortRead = errors.New("short read")
	// ErrTooManyClasses is returned when a stream runs out of class codes
	ErrTooManyClasses = errors.New("too many classes on stream")
	// ErrInvalidClass is returned by Register for prototypes that can not be streamed
	ErrInvalidClass = errors.New("invalid class")
	// ErrDuplicateClass is returned by Register when a name or type is registered twice
	ErrDuplicateClass = errors.New("duplicate class")
)

// IsProtocolError returns true if err means the two ends of a stream have diverged
func IsProtocolError(err error) bool {
	switch errors.Cause(err) {
	case ErrUnknownClassCode, ErrUnknownClassName, ErrClassCodeConflict, ErrShortRead:
		return true
	}
	return false
}
