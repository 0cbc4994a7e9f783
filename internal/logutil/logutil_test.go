package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoSuppressedUnlessVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Info("hello")
	assert.Empty(t, buf.String())

	l = New(&buf, true)
	l.Infof("hello %s", "world")
	assert.True(t, strings.Contains(buf.String(), "INFO: hello world"))
}

func TestWarnAlwaysPrints(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Warnf("disk %s", "full")
	assert.True(t, strings.Contains(buf.String(), "WARNING: disk full"))
}
