package fileops

import (
	"errors"
	"io/fs"
	"net/http"

	"filebay/internal/archive"
	"filebay/internal/fsutil"
)

// Kind groups failures by how a client should be told about them.
type Kind int

const (
	KindInternal Kind = iota
	KindPathEscape
	KindArchiveEscape
	KindInvalidArchive
	KindNotFound
	KindPermissionDenied
	KindCapabilityUnavailable
	KindValidation
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindPathEscape:
		return "path_escape"
	case KindArchiveEscape:
		return "archive_escape"
	case KindInvalidArchive:
		return "invalid_archive"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindCapabilityUnavailable:
		return "capability_unavailable"
	case KindValidation:
		return "validation"
	case KindTooLarge:
		return "too_large"
	default:
		return "internal"
	}
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindPathEscape, KindPermissionDenied:
		return http.StatusForbidden
	case KindArchiveEscape, KindInvalidArchive, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapabilityUnavailable:
		return http.StatusNotImplemented
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is what every Service operation returns on failure. Message is safe
// to show to a user; Err keeps the cause for logs and errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func validation(msg string) *Error {
	return newError(KindValidation, msg, nil)
}

// KindOf reports the Kind of err; unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classify(err, "").Kind
}

// classify turns a raw error into an *Error. fallback is the user message for
// failures that have no more specific one.
func classify(err error, fallback string) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, fsutil.ErrPathEscape):
		return newError(KindPathEscape, "Access denied: path is outside the storage root.", err)
	case errors.Is(err, fsutil.ErrInvalidPath):
		return newError(KindValidation, "Invalid path.", err)
	case errors.Is(err, archive.ErrArchiveEscape):
		return newError(KindArchiveEscape, "Archive rejected: it contains entries outside the destination.", err)
	case errors.Is(err, archive.ErrTooLarge):
		return newError(KindTooLarge, "Archive is too large to extract.", err)
	case errors.Is(err, archive.ErrInvalidArchive):
		return newError(KindInvalidArchive, "Failed to extract the archive", err)
	case errors.Is(err, archive.ErrToolUnavailable):
		return newError(KindCapabilityUnavailable, sevenZipUnsupported, err)
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindNotFound, "File or directory not found.", err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindPermissionDenied, "Permission denied.", err)
	}
	if fallback == "" {
		fallback = "Internal error"
	}
	return newError(KindInternal, fallback, err)
}
