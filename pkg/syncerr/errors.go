// Package syncerr defines the engine's error taxonomy: the kinds the sync
// packages classify their failures with, each error naming its
// operation, kind, and cause. Not every error is classified: the schema,
// memstore and remotehttp packages return plain errors, and a lock wait
// returns the context's error.
package syncerr

import "fmt"

// Kind is the top-level error taxonomy.
type Kind string

const (
	KindInvalidInput             Kind = "InvalidInput"
	KindInconsistentState        Kind = "InconsistentState"
	KindLocalStoreFailure        Kind = "LocalStoreFailure"
	KindRemoteFailure             Kind = "RemoteFailure"
	KindPushAborted               Kind = "PushAborted"
	KindUnsupportedConflictValue Kind = "UnsupportedConflictValue"
	KindAlreadyHandled            Kind = "AlreadyHandled"
	KindPushFailed                Kind = "PushFailed"
)

// RemoteSubKind further classifies a KindRemoteFailure error.
type RemoteSubKind string

const (
	RemotePreconditionFailed RemoteSubKind = "PreconditionFailed"
	RemoteConflict            RemoteSubKind = "Conflict"
	RemoteNotFound            RemoteSubKind = "NotFound"
	RemoteOther               RemoteSubKind = "Other"
)

// AbortReason classifies why a push batch aborted (KindPushAborted).
type AbortReason string

const (
	AbortNetwork       AbortReason = "Network"
	AbortAuth          AbortReason = "Auth"
	AbortOperation     AbortReason = "Operation"
	AbortToken         AbortReason = "Token"
	AbortSyncStore     AbortReason = "SyncStoreError"
	AbortInternal      AbortReason = "InternalError"
	AbortComplete      AbortReason = "Complete"
)

// Error is the engine's typed error, so callers can type-switch on Kind.
// The package doc lists the errors that are not wrapped in one.
type Error struct {
	Kind          Kind
	RemoteSubKind RemoteSubKind
	AbortReason   AbortReason
	HTTPStatus    int
	Message       string
	Cause         error

	// Unhandled carries every per-operation error a push batch produced
	// that the push-complete callback did not mark handled (that same
	// push call returns them wrapped as a PushFailed carrying this list).
	Unhandled []*OperationError
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func InvalidInput(format string, a ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, a...)}
}

func InconsistentState(format string, a ...interface{}) *Error {
	return &Error{Kind: KindInconsistentState, Message: fmt.Sprintf(format, a...)}
}

func LocalStoreFailure(cause error, format string, a ...interface{}) *Error {
	return &Error{Kind: KindLocalStoreFailure, Message: fmt.Sprintf(format, a...), Cause: cause}
}

func RemoteFailure(sub RemoteSubKind, httpStatus int, format string, a ...interface{}) *Error {
	return &Error{Kind: KindRemoteFailure, RemoteSubKind: sub, HTTPStatus: httpStatus, Message: fmt.Sprintf(format, a...)}
}

func PushAborted(reason AbortReason, cause error) *Error {
	return &Error{Kind: KindPushAborted, AbortReason: reason, Message: string(reason), Cause: cause}
}

func UnsupportedConflictValue(property string) *Error {
	return &Error{Kind: KindUnsupportedConflictValue, Message: fmt.Sprintf("property %q has a non-primitive value", property)}
}

func AlreadyHandled(property string) *Error {
	return &Error{Kind: KindAlreadyHandled, Message: fmt.Sprintf("property %q was already resolved", property)}
}

// PushFailed wraps the operation errors a push batch produced that the
// push-complete callback left unhandled, returned to the caller of that
// same push.
func PushFailed(unhandled []*OperationError) *Error {
	return &Error{
		Kind:      KindPushFailed,
		Message:   fmt.Sprintf("%d operation(s) failed and remain unresolved", len(unhandled)),
		Unhandled: unhandled,
	}
}

// Is lets errors.Is(err, &syncerr.Error{Kind: syncerr.KindXxx}) work by
// comparing Kind (and AbortReason, when the target sets one); used by
// callers that only care about the broad taxonomy, not every field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.AbortReason != "" && t.AbortReason != e.AbortReason {
		return false
	}
	return true
}
