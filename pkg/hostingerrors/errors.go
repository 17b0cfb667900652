// Package hostingerrors implements the error taxonomy of §7: a small set of
// kinds rather than a type per failure, so callers branch on Kind() instead
// of type-switching on dozens of concrete error types.
package hostingerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy purposes (§7).
type Kind string

const (
	KindTransient Kind = "Transient"
	KindAdmission Kind = "Admission"
	KindProtocol  Kind = "Protocol"
	KindContent   Kind = "Content"
	KindFatal     Kind = "Fatal"
)

// Code names the specific condition within a Kind. Components branch on
// Code when they need to (InstanceIdMismatch vs HostingActivationInProgress),
// and on Kind when they only need the propagation policy.
type Code string

const (
	// Transient
	CodeTimeout          Code = "Timeout"
	CodeOperationCanceled Code = "OperationCanceled"
	CodeNotFound         Code = "NotFound"
	CodeObjectClosed     Code = "ObjectClosed"

	// Admission
	CodeNotEnoughCPUForServicePackage         Code = "NotEnoughCPUForServicePackage"
	CodeNotEnoughMemoryForServicePackage      Code = "NotEnoughMemoryForServicePackage"
	CodeServicePackageAlreadyRegisteredWithLRM Code = "ServicePackageAlreadyRegisteredWithLRM"

	// Protocol
	CodeHostingActivationInProgress        Code = "HostingActivationInProgress"
	CodeHostingActivationEntityNotInUse    Code = "HostingActivationEntityNotInUse"
	CodeHostingApplicationVersionMismatch  Code = "HostingApplicationVersionMismatch"
	CodeHostingServicePackageVersionMismatch Code = "HostingServicePackageVersionMismatch"
	CodeInstanceIdMismatch                 Code = "InstanceIdMismatch"
	CodeHostingFabricRuntimeAlreadyRegistered Code = "HostingFabricRuntimeAlreadyRegistered"
	CodeHostingFabricRuntimeNotRegistered  Code = "HostingFabricRuntimeNotRegistered"

	// Content
	CodeCodePackageNotFound    Code = "CodePackageNotFound"
	CodeServiceManifestNotFound Code = "ServiceManifestNotFound"
	CodeApplicationNotFound    Code = "ApplicationNotFound"
	CodeEntryTooLarge          Code = "EntryTooLarge"
	CodeMaxResultsReached      Code = "MaxResultsReached"

	// Fatal
	CodeInvalidState Code = "InvalidState"
)

var kindByCode = map[Code]Kind{
	CodeTimeout:           KindTransient,
	CodeOperationCanceled: KindTransient,
	CodeNotFound:          KindTransient,
	CodeObjectClosed:      KindTransient,

	CodeNotEnoughCPUForServicePackage:          KindAdmission,
	CodeNotEnoughMemoryForServicePackage:       KindAdmission,
	CodeServicePackageAlreadyRegisteredWithLRM: KindAdmission,

	CodeHostingActivationInProgress:           KindProtocol,
	CodeHostingActivationEntityNotInUse:       KindProtocol,
	CodeHostingApplicationVersionMismatch:     KindProtocol,
	CodeHostingServicePackageVersionMismatch:  KindProtocol,
	CodeInstanceIdMismatch:                    KindProtocol,
	CodeHostingFabricRuntimeAlreadyRegistered: KindProtocol,
	CodeHostingFabricRuntimeNotRegistered:     KindProtocol,

	CodeCodePackageNotFound:     KindContent,
	CodeServiceManifestNotFound: KindContent,
	CodeApplicationNotFound:     KindContent,
	CodeEntryTooLarge:           KindContent,
	CodeMaxResultsReached:       KindContent,

	CodeInvalidState: KindFatal,
}

// Error is the concrete error type every component returns. Wrap it with
// fmt.Errorf("...: %w", err) the same way the rest of the repository wraps
// errors; errors.As still recovers the *Error underneath.
type Error struct {
	Code    Code
	Message string
	Err     error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() Kind {
	if k, ok := kindByCode[e.Code]; ok {
		return k
	}
	return KindFatal
}

// New builds an *Error with Code and a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err if it is, or wraps, a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// KindOf extracts the Kind from err if it is, or wraps, a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind(), true
	}
	return "", false
}

// Is reports whether err is, or wraps, a *Error with the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransient
}

// IsFatal reports a coding-bug-class error that must never be retried.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindFatal
}
