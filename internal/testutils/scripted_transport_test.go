package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blehil/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedTransport_AnswersKnownCommands(t *testing.T) {
	tr := NewScriptedTransport().On("ble init", `{"status": 0}`, "retcode: 0")

	lines, err := tr.Send(context.Background(), transport.SendOptions{
		Command:         "ble init",
		ExpectedOutput:  "retcode: 0",
		WaitForResponse: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"status": 0}`, "retcode: 0"}, lines)
	assert.Equal(t, []string{"ble init"}, tr.Sent())
	assert.Equal(t, 1, tr.Reads())
}

func TestScriptedTransport_UnknownCommandTimesOut(t *testing.T) {
	tr := NewScriptedTransport()

	_, err := tr.Send(context.Background(), transport.SendOptions{
		Command:         "ble reset",
		ExpectedOutput:  "retcode: 0",
		WaitForResponse: 20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestScriptedTransport_DelayedAnswer(t *testing.T) {
	tr := NewScriptedTransport().OnDelayed("gap startScan", 50*time.Millisecond, "{}", "retcode: 0")

	_, err := tr.Send(context.Background(), transport.SendOptions{Command: "gap startScan", NoRead: true})
	require.NoError(t, err)

	lines, err := tr.Flush(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, lines, "answer must not be readable before its delay")

	start := time.Now()
	lines, err = tr.WaitForOutput(context.Background(), "retcode: 0", time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"{}", "retcode: 0"}, lines)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestScriptedTransport_TimeoutWithoutAssertKeepsLines(t *testing.T) {
	tr := NewScriptedTransport()
	tr.Emit("<<< boot", "noise")

	lines, err := tr.WaitForOutput(context.Background(), "retcode: 0", 10*time.Millisecond, false)
	require.NoError(t, err)
	assert.Nil(t, lines)

	lines, err = tr.Flush(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"<<< boot", "noise"}, lines)
}

func TestScriptedTransport_Lifecycle(t *testing.T) {
	tr := NewScriptedTransport()

	require.NoError(t, tr.Reset(time.Second))
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Close())

	assert.Equal(t, []time.Duration{time.Second}, tr.Resets())
	assert.True(t, tr.Stopped())
	assert.True(t, tr.Closed())

	_, err := tr.Send(context.Background(), transport.SendOptions{Command: "ble init"})
	assert.ErrorIs(t, err, transport.ErrClosed)
}
