package replsession

import "errors"

var (
	ErrUnsupported   = errors.New("unsupported operation")
	ErrSessionActive = errors.New("session has a live engine")
	ErrInvalidInput  = errors.New("invalid input")
)

// PropertiesError reports a session property map that failed schema
// validation.
type PropertiesError struct {
	Detail string
}

func (e *PropertiesError) Error() string {
	if e.Detail == "" {
		return "invalid session properties"
	}
	return "invalid session properties: " + e.Detail
}

func (e *PropertiesError) Is(target error) bool {
	return target == ErrInvalidInput
}
