package common

import (
	"github.com/grailbio/base/errors"
)

// Retryable reports whether err is a resource-exhaustion or concurrency
// error that the caller may retry. Integrity errors are never retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(errors.Integrity, err) {
		return false
	}
	e := errors.Recover(err)
	for e != nil {
		if e.Severity == errors.Retriable || e.Severity == errors.Temporary {
			return true
		}
		next, ok := e.Err.(*errors.Error)
		if !ok {
			break
		}
		e = next
	}
	return false
}

// IsIntegrity reports whether err denotes corrupt on-disk state.
func IsIntegrity(err error) bool {
	return errors.Is(errors.Integrity, err)
}

// Has reports whether sentinel, an error built with errors.E, appears in
// err's chain. Wrapping with errors.E moves the kind and severity to the
// outer error, so sentinels are matched by message.
func Has(err error, sentinel error) bool {
	if err == nil || sentinel == nil {
		return false
	}
	s := errors.Recover(sentinel)
	found := false
	errors.Visit(err, func(e error) {
		if ge, ok := e.(*errors.Error); ok && ge != nil && ge.Message == s.Message {
			found = true
		}
	})
	return found
}

// Wrap attaches cause beneath sentinel. errors.E keeps only the last error
// argument, so the sentinel's kind, severity and message are copied onto the
// new error instead.
func Wrap(sentinel error, cause error) error {
	s := errors.Recover(sentinel)
	return errors.E(s.Kind, s.Severity, s.Message, cause)
}
