// Package apperrors defines the closed set of error kinds the service
// distinguishes. Mapping kinds to transport status codes is done by the
// HTTP handler only.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindNotFound
	KindUnsupportedImage
	KindInvalidInput
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindUnsupportedImage:
		return "unsupported_image"
	case KindInvalidInput:
		return "invalid_input"
	case KindTooLarge:
		return "too_large"
	default:
		return "internal"
	}
}

// Error is a classified error. Msg is safe to show to callers; Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrUnauthorized     = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrExpired          = &Error{Kind: KindUnauthorized, Msg: "token expired"}
	ErrNotFound         = &Error{Kind: KindNotFound, Msg: "image not found"}
	ErrUnsupportedImage = &Error{Kind: KindUnsupportedImage, Msg: "unsupported or corrupt image"}
)

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindInternal when nothing in the chain is classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the caller-facing message for err. Internal errors
// never expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal server error"
	}
	if e.Kind == KindNotFound {
		return ErrNotFound.Msg
	}
	return e.Msg
}
