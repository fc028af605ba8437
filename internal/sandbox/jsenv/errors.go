package jsenv

import (
	"context"
	"errors"
	"strings"

	"github.com/dop251/goja"

	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

var (
	// ErrTimeout is the interrupt value used when the wall-clock budget expires.
	ErrTimeout = errors.New("execution timed out")
	// ErrMemoryLimit is the interrupt value used when the heap ceiling is hit.
	ErrMemoryLimit = errors.New("MemoryError: heap limit exceeded")
	// ErrNoExecute is returned when the agent does not export execute.
	ErrNoExecute = errors.New("agent must export an execute(params, context) function")
	// ErrNeverSettled is returned when the agent's promise can no longer settle.
	ErrNeverSettled = errors.New("agent promise never settled")
)

// Error names thrown by the environment.
const (
	NameSecurityError   = "SecurityError"
	NamePermissionError = "PermissionError"
)

// ScriptError is an exception raised by agent code, or a rejection of the
// promise it returned.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
	cause   error
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the Go error carried by a host-thrown exception, if any.
func (e *ScriptError) Unwrap() error {
	return e.cause
}

func scriptErrorFromValue(v goja.Value, cause error) *ScriptError {
	se := &ScriptError{cause: cause}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		se.Name = "Error"
		se.Message = "agent threw " + stringOf(v)
		return se
	}
	if obj, ok := v.(*goja.Object); ok {
		if se.cause == nil {
			// Host errors thrown through NewGoError keep the Go error in "value".
			if inner := obj.Get("value"); inner != nil {
				if err, ok := inner.Export().(error); ok {
					se.cause = err
				}
			}
		}
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			se.Name = name.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			se.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			se.Stack = stack.String()
		}
		if se.Name == "" && se.Message == "" {
			se.Message = obj.String()
		}
		return se
	}
	se.Name = "Error"
	se.Message = v.String()
	return se
}

func stringOf(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// fromGoja converts an error returned by the runtime into a ScriptError or
// the Go value an interrupt was raised with.
func fromGoja(err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if inner, ok := interrupted.Value().(error); ok {
			return inner
		}
		return errors.New(interrupted.String())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return scriptErrorFromValue(exc.Value(), exc.Unwrap())
	}
	return err
}

// Classify maps an execution error onto the shared taxonomy. Error types are
// checked first, message keywords second.
func Classify(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.KindTimeout
	case errors.Is(err, ErrMemoryLimit):
		return models.KindMemory
	case errors.Is(err, storage.ErrForbidden):
		return models.KindPermission
	}
	var se *ScriptError
	if errors.As(err, &se) {
		switch se.Name {
		case NameSecurityError:
			return models.KindSecurity
		case NamePermissionError:
			return models.KindPermission
		}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage categorises a bare error message, as reported across the
// worker boundary.
func ClassifyMessage(msg string) models.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "securityerror"), strings.Contains(lower, "security violation"):
		return models.KindSecurity
	case strings.Contains(lower, "permissionerror:"), strings.Contains(lower, "permission denied"):
		return models.KindPermission
	case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return models.KindTimeout
	case strings.Contains(lower, "memoryerror:"), strings.Contains(lower, "out of memory"),
		strings.Contains(lower, "heap limit"):
		return models.KindMemory
	default:
		return models.KindRuntime
	}
}
