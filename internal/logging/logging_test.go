package logging

import (
	"bytes"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToProvidedWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelInformational)
	require.NotNil(t, l)
	l.Info().Str("hello", "world").Log("test message")
	assert.Contains(t, buf.String(), "test message")
	assert.Contains(t, buf.String(), "hello")
}

func TestDiscard_NeverPanicsAndWritesNothingObservable(t *testing.T) {
	l := Discard()
	require.NotNil(t, l)
	l.Info().Log("dropped")
}

func TestNamed_SetsComponentFieldAndHandlesNil(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, logiface.LevelInformational)
	named := Named(l, "endpoint")
	named.Info().Log("hi")
	assert.Contains(t, buf.String(), "endpoint")

	// Named on a nil Logger falls back to Discard rather than panicking.
	fallback := Named(nil, "manager")
	require.NotNil(t, fallback)
	fallback.Info().Log("hi")
}
