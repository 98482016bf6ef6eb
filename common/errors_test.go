package common

import (
	"io"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
)

var (
	errFull    = errors.E(errors.Unavailable, errors.Retriable, "log full")
	errBusy    = errors.E(errors.Unavailable, errors.Temporary, "block busy")
	errCorrupt = errors.E(errors.Integrity, "bad checksum")
	errGone    = errors.E(errors.Precondition, "gone")
)

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errFull))
	assert.True(t, Retryable(errBusy))
	assert.False(t, Retryable(errCorrupt))
	assert.False(t, Retryable(errGone))
	assert.False(t, Retryable(io.EOF))

	assert.True(t, Retryable(errors.E("commit", errFull)), "severity survives wrapping")
	assert.False(t, Retryable(errors.E("scan", errCorrupt)))
}

func TestHasMatchesWrappedSentinels(t *testing.T) {
	assert.True(t, Has(errFull, errFull))
	assert.True(t, Has(errors.E("append", errFull), errFull))
	assert.False(t, Has(errBusy, errFull))
	assert.False(t, Has(nil, errFull))
	assert.False(t, Has(errFull, nil))
}

func TestWrapKeepsSentinelAndCause(t *testing.T) {
	err := Wrap(errGone, io.ErrUnexpectedEOF)
	assert.True(t, Has(err, errGone))
	assert.True(t, errors.Is(errors.Precondition, err))
	assert.Contains(t, err.Error(), "gone")
	assert.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error())

	err = Wrap(errFull, errBusy)
	assert.True(t, Has(err, errFull))
	assert.True(t, Has(err, errBusy))
	assert.True(t, Retryable(err))
}

func TestIsIntegrity(t *testing.T) {
	assert.True(t, IsIntegrity(errCorrupt))
	assert.True(t, IsIntegrity(errors.E("scan", errCorrupt)))
	assert.False(t, IsIntegrity(errFull))
}
