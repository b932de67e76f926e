package dex

import (
	"fmt"

	"github.com/pkg/errors"
)

// CheckError is the panic value raised by Check.
type CheckError struct {
	msg string
}

func (e *CheckError) Error() string {
	return e.msg
}

// Check panics with a *CheckError when cond is false. It guards
// structural invariants; public entry points turn the panic back into
// an error with Recover.
func Check(cond bool, format string, args ...any) {
	if !cond {
		panic(&CheckError{msg: fmt.Sprintf(format, args...)})
	}
}

// Recover converts a panic raised while walking a dex structure into
// an error stored in *errp. Use it as `defer dex.Recover(&err, "...")`.
func Recover(errp *error, what string) {
	r := recover()
	if r == nil {
		return
	}
	switch v := r.(type) {
	case *CheckError:
		*errp = errors.Wrap(v, what)
	case error:
		// out of range accesses on malformed input end up here
		*errp = errors.Wrapf(v, "%s: malformed input", what)
	default:
		*errp = errors.Errorf("%s: %v", what, v)
	}
}
