package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure for HTTP mapping and client error codes.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindValidation      Kind = "validation"
	KindDeviceLimit     Kind = "device_limit_reached"
	KindActivationLimit Kind = "activation_limit_reached"
	KindLicenseRevoked  Kind = "license_revoked"
	KindLicenseExpired  Kind = "license_expired"
	KindInvalidCode     Kind = "invalid_code"
	KindInvalidLicense  Kind = "invalid_license_key"
	KindNetwork         Kind = "network"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Error is the structured error passed between stores, services and handlers.
// Msg is safe to show to API callers; Err carries the internal cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "store.AcquireDevice"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so callers can write
// errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// anything that is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code handlers must return.
// Limit and lifecycle failures are 403s distinguished by Code; credential
// lookups hide existence behind 404.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindDeviceLimit, KindActivationLimit, KindLicenseRevoked, KindLicenseExpired:
		return http.StatusForbidden
	case KindNotFound, KindInvalidCode, KindInvalidLicense:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindNetwork:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code clients switch on, or "" when the
// kind has none.
func Code(err error) string {
	switch KindOf(err) {
	case KindDeviceLimit:
		return "DEVICE_LIMIT_REACHED"
	case KindActivationLimit:
		return "ACTIVATION_LIMIT_REACHED"
	case KindLicenseRevoked:
		return "LICENSE_REVOKED"
	case KindLicenseExpired:
		return "LICENSE_EXPIRED"
	case KindInvalidCode:
		return "INVALID_CODE"
	case KindInvalidLicense:
		return "INVALID_LICENSE_KEY"
	default:
		return ""
	}
}

// Message returns the caller-safe message for err. Internal details are
// never leaked; unknown errors collapse to a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch KindOf(err) {
	case KindUnauthenticated:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "Not found"
	case KindConflict:
		return "Conflict"
	case KindValidation:
		return "Invalid request"
	case KindNetwork:
		return "Upstream provider unavailable"
	case KindUnavailable:
		return "Service unavailable"
	default:
		return "Internal server error"
	}
}

// Constructors

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches an operation and kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Unauthenticated(msg string) *Error {
	return New(KindUnauthenticated, msg)
}

func Forbidden(msg string) *Error {
	return New(KindForbidden, msg)
}

func NotFound(msg string) *Error {
	return New(KindNotFound, msg)
}

func Conflict(msg string) *Error {
	return New(KindConflict, msg)
}

func Validation(msg string) *Error {
	return New(KindValidation, msg)
}

func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// DeviceLimit reports that a license already has limit active devices.
func DeviceLimit(active, limit int) *Error {
	return Newf(KindDeviceLimit, "Device limit reached (%d/%d). Deactivate a device first.", active, limit)
}

// ActivationLimit reports that a license exhausted its lifetime activations.
func ActivationLimit(count, limit int) *Error {
	return Newf(KindActivationLimit, "Activation limit reached (%d/%d)", count, limit)
}

func LicenseRevoked() *Error {
	return New(KindLicenseRevoked, "License has been revoked")
}

func LicenseExpired() *Error {
	return New(KindLicenseExpired, "License has expired")
}

func InvalidCode() *Error {
	return New(KindInvalidCode, "Invalid or expired activation code")
}

func InvalidLicenseKey() *Error {
	return New(KindInvalidLicense, "License key not found")
}

// Classification helpers

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsAuthError reports whether err is an authentication or authorization
// failure.
func IsAuthError(err error) bool {
	k := KindOf(err)
	return k == KindUnauthenticated || k == KindForbidden
}
