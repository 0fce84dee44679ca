package zajel

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the category of a protocol failure.
type ErrorKind string

const (
	// Five-step chunk verification
	KindStep1ChunkSignature   ErrorKind = "STEP1_CHUNK_SIGNATURE"
	KindStep2UnauthorizedAuth ErrorKind = "STEP2_UNAUTHORIZED_AUTHOR"
	KindStep3ManifestInvalid  ErrorKind = "STEP3_MANIFEST_SIGNATURE"
	KindStep4OwnerMismatch    ErrorKind = "STEP4_OWNER_MISMATCH"
	KindStep5Decrypt          ErrorKind = "STEP5_DECRYPT"

	// Cryptographic failures
	KindTooShort      ErrorKind = "TOO_SHORT"
	KindMACFailed     ErrorKind = "MAC_FAILED"
	KindInvalidBase64 ErrorKind = "INVALID_BASE64"
	KindInvalidKey    ErrorKind = "INVALID_KEY"
	KindBadSignature  ErrorKind = "BAD_SIGNATURE"

	// Policy and authorization failures
	KindNotOwner           ErrorKind = "NOT_OWNER"
	KindCannotAppointOwner ErrorKind = "CANNOT_APPOINT_OWNER"
	KindDuplicateAdmin     ErrorKind = "DUPLICATE_ADMIN"
	KindUnknownAdmin       ErrorKind = "UNKNOWN_ADMIN"
	KindRepliesDisabled    ErrorKind = "REPLIES_DISABLED"
	KindPollsDisabled      ErrorKind = "POLLS_DISABLED"
	KindSizeExceeded       ErrorKind = "SIZE_EXCEEDED"
	KindNotPublisher       ErrorKind = "NOT_PUBLISHER"

	// Reassembly integrity failures
	KindNoChunks       ErrorKind = "NO_CHUNKS"
	KindMixedSequence  ErrorKind = "MIXED_SEQUENCE"
	KindDuplicateIndex ErrorKind = "DUPLICATE_INDEX"
	KindIncompleteSet  ErrorKind = "INCOMPLETE_SET"

	// Links and lookups
	KindInvalidLink     ErrorKind = "INVALID_LINK"
	KindLinkExpired     ErrorKind = "LINK_EXPIRED"
	KindChannelNotFound ErrorKind = "CHANNEL_NOT_FOUND"
)

// Error is a protocol failure carrying a machine-readable kind and a
// human-readable message suitable for display.
type Error struct {
	Kind    ErrorKind
	Message string

	// Step is the failing verification step (1-5), zero otherwise.
	Step int

	// Actual and Limit are set for KindSizeExceeded.
	Actual int
	Limit  int

	// Err is the underlying cause, if any.
	Err error
}

// NewError creates an Error with the given kind and message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StepOf returns the failing verification step recorded in err, or 0.
func StepOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Step
	}
	return 0
}
