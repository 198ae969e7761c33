package ipc

import (
	"errors"
	"fmt"
)

// Result is the status carried by every frame. Zero means success.
type Result int8

const (
	ResultOK               Result = 0
	ResultBadCommand       Result = -2
	ResultAuthFail         Result = -3
	ResultAuthContinue     Result = -4
	ResultWaitForScript    Result = -5
	ResultMem              Result = -6
	ResultReadConfig       Result = -7
	ResultNoIP             Result = -8
	ResultParsing          Result = -9
	ResultExec             Result = -10
	ResultWorkerTerminated Result = -11
	ResultCtl              Result = -12
)

// Sentinel errors, one per non-success result.
var (
	ErrBadCommand       = errors.New("bad command")
	ErrAuthFail         = errors.New("authentication failed")
	ErrAuthContinue     = errors.New("authentication continues")
	ErrWaitForScript    = errors.New("waiting for script")
	ErrMem              = errors.New("out of memory")
	ErrReadConfig       = errors.New("configuration error")
	ErrNoIP             = errors.New("no address available")
	ErrParsing          = errors.New("parse error")
	ErrExec             = errors.New("script execution failed")
	ErrWorkerTerminated = errors.New("worker terminated")
	ErrCtl              = errors.New("control channel error")
)

var resultErrors = []struct {
	result Result
	err    error
}{
	{ResultBadCommand, ErrBadCommand},
	{ResultAuthFail, ErrAuthFail},
	{ResultAuthContinue, ErrAuthContinue},
	{ResultWaitForScript, ErrWaitForScript},
	{ResultMem, ErrMem},
	{ResultReadConfig, ErrReadConfig},
	{ResultNoIP, ErrNoIP},
	{ResultParsing, ErrParsing},
	{ResultExec, ErrExec},
	{ResultWorkerTerminated, ErrWorkerTerminated},
	{ResultCtl, ErrCtl},
}

// Err returns nil for ResultOK and the matching sentinel otherwise.
func (r Result) Err() error {
	if r == ResultOK {
		return nil
	}
	for _, re := range resultErrors {
		if re.result == r {
			return re.err
		}
	}
	return fmt.Errorf("%w: unknown result %d", ErrBadCommand, int8(r))
}

func (r Result) String() string {
	if r == ResultOK {
		return "ok"
	}
	for _, re := range resultErrors {
		if re.result == r {
			return re.err.Error()
		}
	}
	return fmt.Sprintf("result(%d)", int8(r))
}

// Valid reports whether r is a defined result code
func (r Result) Valid() bool {
	if r == ResultOK {
		return true
	}
	for _, re := range resultErrors {
		if re.result == r {
			return true
		}
	}
	return false
}

// ResultFromError maps an error onto the wire taxonomy. Decode failures
// map to ResultBadCommand; anything unrecognized is a control channel error.
func ResultFromError(err error) Result {
	if err == nil {
		return ResultOK
	}
	if IsDecodeError(err) {
		return ResultBadCommand
	}
	for _, re := range resultErrors {
		if errors.Is(err, re.err) {
			return re.result
		}
	}
	return ResultCtl
}
