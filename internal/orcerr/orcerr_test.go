package orcerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndKindOf(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(KindTransient, base)

	k, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransient, k)
	assert.ErrorIs(t, err, base)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindConfiguration, nil))
}

func TestKindOfUnwrapped(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIs(t *testing.T) {
	err := Wrap(KindPermanentAuth, errors.New("authentication failed"))
	assert.True(t, Is(err, KindPermanentAuth))
	assert.False(t, Is(err, KindTransient))
}
