package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/internal/models"
)

func awaitOutcome(t *testing.T, req *scriptRequest) scriptOutcome {
	t.Helper()
	select {
	case out := <-req.done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("script outcome never arrived")
		return scriptOutcome{}
	}
}

// startScriptSession joins a device speaking a script-capable API version.
func startScriptSession(t *testing.T, f *fixture) *Session {
	t.Helper()
	dev := f.seedDevice()
	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, "2.0.0"))
	waitRegistered(t, f, testDeviceID)
	return s
}

// pushedRef extracts the correlation ref from the last script push.
func pushedRef(t *testing.T, f *fixture) string {
	t.Helper()
	raw, ok := f.link.last(constants.MsgScriptRun)
	require.True(t, ok)
	var req models.ScriptRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	require.NotEmpty(t, req.Ref)
	return req.Ref
}

func TestSession_ScriptRoundTrip(t *testing.T) {
	f := newFixture()
	s := startScriptSession(t, f)

	req := &scriptRequest{text: "uname -a", done: make(chan scriptOutcome, 1)}
	require.NoError(t, s.submitScript(req))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgScriptRun) == 1
	}, 2*time.Second, 2*time.Millisecond)

	ref := pushedRef(t, f)
	raw, ok := f.link.last(constants.MsgScriptRun)
	require.True(t, ok)
	assert.Contains(t, string(raw), "uname -a")

	answer, err := json.Marshal(models.ScriptResult{Ref: ref, Output: "Linux", Return: "0"})
	require.NoError(t, err)
	s.enqueueMsg(constants.MsgScriptRun, answer)

	out := awaitOutcome(t, req)
	require.NoError(t, out.err)
	require.NotNil(t, out.result)
	assert.Equal(t, "Linux", out.result.Output)
	assert.Equal(t, "0", out.result.Return)
}

func TestSession_ScriptDuplicateResultDropped(t *testing.T) {
	f := newFixture()
	s := startScriptSession(t, f)

	req := &scriptRequest{text: "true", done: make(chan scriptOutcome, 1)}
	require.NoError(t, s.submitScript(req))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgScriptRun) == 1
	}, 2*time.Second, 2*time.Millisecond)
	ref := pushedRef(t, f)

	answer, err := json.Marshal(models.ScriptResult{Ref: ref, Output: "first", Return: "0"})
	require.NoError(t, err)
	s.enqueueMsg(constants.MsgScriptRun, answer)
	s.enqueueMsg(constants.MsgScriptRun, answer)

	out := awaitOutcome(t, req)
	require.NoError(t, out.err)
	assert.Equal(t, "first", out.result.Output)

	// The duplicate found no waiter. The session keeps running and the
	// done channel sees nothing further.
	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgOutUpdate) == 1
	}, 2*time.Second, 2*time.Millisecond)
	assert.Empty(t, req.done)
}

func TestSession_ScriptTimeout(t *testing.T) {
	f := newFixture()
	f.cfg.ScriptTimeout = 25 * time.Millisecond
	s := startScriptSession(t, f)

	req := &scriptRequest{text: "sleep 600", done: make(chan scriptOutcome, 1)}
	require.NoError(t, s.submitScript(req))

	out := awaitOutcome(t, req)
	assert.ErrorIs(t, out.err, ErrScriptTimeout)
	assert.Nil(t, out.result)
}

func TestSession_ScriptRequiresAPIVersion(t *testing.T) {
	f := newFixture()
	dev := f.seedDevice()
	s := f.startSession(t)
	s.enqueueMsg(constants.MsgJoin, joinMsg(t, dev.Firmware, "1.9.0"))
	waitRegistered(t, f, testDeviceID)

	req := &scriptRequest{text: "true", done: make(chan scriptOutcome, 1)}
	require.NoError(t, s.submitScript(req))

	out := awaitOutcome(t, req)
	assert.ErrorIs(t, out.err, ErrUnsupportedVersion)
	assert.Zero(t, f.link.count(constants.MsgScriptRun))
}

func TestSession_ScriptPushFailure(t *testing.T) {
	f := newFixture()
	pushErr := errors.New("broker unavailable")
	f.link.fail = map[string]error{constants.MsgScriptRun: pushErr}
	s := startScriptSession(t, f)

	req := &scriptRequest{text: "true", done: make(chan scriptOutcome, 1)}
	require.NoError(t, s.submitScript(req))

	out := awaitOutcome(t, req)
	assert.ErrorIs(t, out.err, pushErr)
}

func TestSession_ScriptFailedOnTeardown(t *testing.T) {
	f := newFixture()
	s := startScriptSession(t, f)

	req := &scriptRequest{text: "true", done: make(chan scriptOutcome, 1)}
	require.NoError(t, s.submitScript(req))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgScriptRun) == 1
	}, 2*time.Second, 2*time.Millisecond)

	s.Close()
	out := awaitOutcome(t, req)
	assert.ErrorIs(t, out.err, ErrNotConnected)
}

func TestSession_ScriptResultForUnknownRefIgnored(t *testing.T) {
	f := newFixture()
	s := startScriptSession(t, f)

	answer, err := json.Marshal(models.ScriptResult{Ref: "deadbeef", Output: "?", Return: "0"})
	require.NoError(t, err)
	s.enqueueMsg(constants.MsgScriptRun, answer)

	s.enqueueMsg(constants.MsgCheckUpdate, []byte(`{}`))
	require.Eventually(t, func() bool {
		return f.link.count(constants.MsgOutUpdate) == 1
	}, 2*time.Second, 2*time.Millisecond)
}
