package ui

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStyles_ColorDisabled(t *testing.T) {
	SetColorEnabled(false)
	t.Cleanup(func() { SetColorEnabled(false) })

	assert.Equal(t, "hello", Bold("hello"))
	assert.Equal(t, "hello", Dim("hello"))
	assert.Equal(t, "ok", Green("ok"))
	assert.Equal(t, "bad", Red("bad"))
	assert.Equal(t, "careful", Yellow("careful"))
	assert.Equal(t, "✓", OKTag())
	assert.Equal(t, "✗", FailTag())
	assert.Equal(t, "⚠", WarnTag())
}

func TestStyles_ColorEnabled(t *testing.T) {
	SetColorEnabled(true)
	t.Cleanup(func() { SetColorEnabled(false) })

	assert.Equal(t, "\033[1mhello\033[0m", Bold("hello"))
	assert.Equal(t, "\033[32m✓\033[0m", OKTag())
}

func TestWarn(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	t.Cleanup(func() { SetWriter(os.Stderr) })

	Warn("volume already exists")
	assert.Equal(t, "Warning: volume already exists\n", buf.String())

	buf.Reset()
	Warnf("skipping %s", "cleanup")
	assert.Equal(t, "Warning: skipping cleanup\n", buf.String())
}

func TestError(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	t.Cleanup(func() { SetWriter(os.Stderr) })

	Error("engine not running")
	assert.Equal(t, "Error: engine not running\n", buf.String())
}

func TestInfo(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	t.Cleanup(func() { SetWriter(os.Stderr) })

	Info("done")
	Infof("took %d seconds", 3)
	assert.Equal(t, "done\ntook 3 seconds\n", buf.String())
}
