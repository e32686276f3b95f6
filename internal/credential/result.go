package credential

import (
	"github.com/hectorm/keybridge/internal/native"
)

type Result struct {
	status native.Status
	handle native.Handle
	err    error
}

func newResult(bridge native.Bridge, status native.Status, handle native.Handle) Result {
	switch {
	case status == native.StatusOK:
		return Result{status: status, handle: handle}
	case status < 0:
		err := bridge.LastError()
		if err == nil {
			err = &NativeError{Status: status}
		}
		return Result{status: status, err: err}
	default:
		return Result{status: status}
	}
}

func (r Result) Status() native.Status {
	return r.status
}

// Handle returns the acquired handle. It is only reported as valid when the
// native call succeeded, regardless of what the call wrote to its output.
func (r Result) Handle() (native.Handle, bool) {
	if r.status != native.StatusOK || !r.handle.Valid() {
		return native.Handle{}, false
	}
	return r.handle, true
}

func (r Result) Succeeded() bool {
	return r.status == native.StatusOK
}

func (r Result) Failed() bool {
	return r.status < 0
}

// NoCredential reports that this credential does not apply and the caller
// may fall back to another one.
func (r Result) NoCredential() bool {
	return r.status > 0
}

// Err returns the native error detail of a failed Result, nil otherwise.
func (r Result) Err() error {
	if !r.Failed() {
		return nil
	}
	return r.err
}

func (r Result) String() string {
	return r.status.String()
}
