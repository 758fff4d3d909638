package script

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/blehil/internal/testutils"
	"github.com/srg/blehil/pkg/harness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RunnerTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	tr      *testutils.ScriptedTransport
	dev     *harness.Device
	runner  *Runner
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	context context.Context
}

func (s *RunnerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.tr = testutils.NewScriptedTransport()
	s.dev = harness.NewDevice("board-a", s.tr,
		harness.WithLogger(s.helper.Logger),
		harness.WithResponseTimeout(200*time.Millisecond),
	)
	s.runner = NewRunner(s.helper.Logger)
	s.Require().NoError(s.runner.Bind("central", s.dev))
	s.stdout, s.stderr = &bytes.Buffer{}, &bytes.Buffer{}
	s.context = context.Background()
}

func (s *RunnerTestSuite) TearDownTest() {
	s.runner.Close()
}

func (s *RunnerTestSuite) run(script string) error {
	return s.runner.Run(s.context, script, "test.lua", nil, s.stdout, s.stderr)
}

func (s *RunnerTestSuite) TestCallReturnsResultTable() {
	s.tr.On("ble getVersion", `{"status": 0, "result": "5.11.0"}`, "retcode: 0")

	err := s.run(`
		local r = central:call("ble", "getVersion")
		print(r.command, r.retcode, r.status, r.result, r.error)
	`)
	s.Require().NoError(err)
	s.Equal("ble getVersion\t0\t0\t5.11.0\tnil\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestStructuredResult() {
	s.tr.On("gap getAddress",
		`{"status": 0, "result": {"address_type": "ADDR_TYPE_PUBLIC", "address": "0A:11:22:33:44:55", "list": [1, 2]}}`,
		"retcode: 0")

	err := s.run(`
		local r = central:call("gap", "getAddress")
		print(r.result.address_type, r.result.address, #r.result.list, r.result.list[2])
	`)
	s.Require().NoError(err)
	s.Equal("ADDR_TYPE_PUBLIC\t0A:11:22:33:44:55\t2\t2\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestArgumentsAreSerialized() {
	s.tr.On("gap startScan 1000 true 0A:11:22:33:44:55 0.5", `{"status": 0}`, "retcode: 0")

	err := s.run(`central:call("gap", "startScan", 1000, true, "0A:11:22:33:44:55", 0.5)`)
	s.Require().NoError(err)
	s.Equal([]string{"gap startScan 1000 true 0A:11:22:33:44:55 0.5"}, s.tr.Sent())
}

func (s *RunnerTestSuite) TestCallExpectWithFailureRetcode() {
	s.tr.On("ble shutdown", `{"status": -1, "error": "not initialized"}`, "retcode: -1")

	err := s.run(`
		local r = central:call_expect(-1, "ble", "shutdown")
		print(r.retcode, r.status, r.error)
	`)
	s.Require().NoError(err)
	s.Equal("-1\t-1\tnot initialized\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestUnknownCommandRaises() {
	err := s.run(`central:call("gap", "frobnicate")`)
	s.Require().Error(err)

	var luaErr *LuaError
	s.Require().ErrorAs(err, &luaErr)
	s.Equal(ErrorRuntime, luaErr.Type)
	s.Contains(err.Error(), "frobnicate")
	s.Contains(s.stderr.String(), "frobnicate")
	s.Empty(s.tr.Sent())
}

func (s *RunnerTestSuite) TestErrorsCanBeCaught() {
	err := s.run(`
		local ok, msg = pcall(function() return central:call("dle", "init") end)
		print(ok, string.find(msg, "unknown_module") ~= nil)
	`)
	s.Require().NoError(err)
	s.Equal("false\ttrue\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestAsyncAwait() {
	s.tr.OnDelayed("gap startScan 100", 50*time.Millisecond, `{"status": 0, "result": []}`, "retcode: 0")
	s.tr.On("ble getVersion", `{"status": 0, "result": "5.11.0"}`, "retcode: 0")

	err := s.run(`
		local scan = central:async("gap", "startScan", 100)
		print(scan.command)
		local done = scan:await()
		local again = scan:await()
		print(done.status, done == again or done.status == again.status)
	`)
	s.Require().NoError(err)
	s.Equal("gap startScan 100\n0\ttrue\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestEvents() {
	s.tr.On("ble init", `<<< {"event": "reset", "handle": 3}`, `{"status": 0}`, "<<< not json", "retcode: 0")

	err := s.run(`
		central:call("ble", "init")
		local ev, text = central:event()
		print(ev.event, ev.handle, text)
		local raw = central:event(10)
		print(raw)
		print(central:event(10))
	`)
	s.Require().NoError(err)
	s.Equal("reset\t3\t {\"event\": \"reset\", \"handle\": 3}\n not json\nnil\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestArgsAndGlobals() {
	err := s.runner.Run(s.context, `
		print(arg.peer, central.name, central.role, devices.central == central)
		sleep(1)
	`, "globals.lua", map[string]string{"peer": "0A:11:22:33:44:55"}, s.stdout, s.stderr)
	s.Require().NoError(err)
	s.Equal("0A:11:22:33:44:55\tboard-a\tcentral\ttrue\n", s.stdout.String())
}

func (s *RunnerTestSuite) TestSyntaxError() {
	err := s.run(`central:call("ble", `)
	var luaErr *LuaError
	s.Require().ErrorAs(err, &luaErr)
	s.Equal(ErrorSyntax, luaErr.Type)
	s.True(errors.Is(err, &LuaError{Type: ErrorSyntax}))
}

func (s *RunnerTestSuite) TestSleepHonorsContext() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.runner.Run(ctx, `sleep(5000)`, "sleep.lua", nil, s.stdout, s.stderr)
	s.Require().Error(err)
	s.Contains(err.Error(), "deadline exceeded")
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}

func TestRunner_Bind(t *testing.T) {
	r := NewRunner(nil)
	defer r.Close()
	dev := harness.NewDevice("board", testutils.NewScriptedTransport())

	require.NoError(t, r.Bind("central", dev))
	require.NoError(t, r.Bind("peripheral", dev))
	assert.ErrorIs(t, r.Bind("central", dev), ErrDuplicateRole)
	assert.Error(t, r.Bind("2nd", dev))
	assert.Error(t, r.Bind("with-dash", dev))
	assert.Equal(t, []string{"central", "peripheral"}, r.Roles())
}

func TestRunner_RunFile(t *testing.T) {
	tr := testutils.NewScriptedTransport()
	tr.On("ble getVersion", `{"status": 0, "result": "5.11.0"}`, "retcode: 0")
	r := NewRunner(nil)
	defer r.Close()
	require.NoError(t, r.Bind("dut", harness.NewDevice("board", tr, harness.WithResponseTimeout(100*time.Millisecond))))

	path := filepath.Join(t.TempDir(), "version.lua")
	require.NoError(t, os.WriteFile(path, []byte(`print(dut:call("ble", "getVersion").result)`), 0o600))

	var out bytes.Buffer
	require.NoError(t, r.RunFile(context.Background(), path, nil, &out, nil))
	assert.Equal(t, "5.11.0\n", out.String())

	err := r.RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.lua"), nil, &out, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunner_ScanScenario(t *testing.T) {
	content, err := testutils.LoadScript("scripts/scan.lua")
	require.NoError(t, err)

	tr := testutils.NewScriptedTransport()
	tr.On("ble getVersion", `{"status": 0, "result": "5.11.0"}`, "retcode: 0")
	tr.OnDelayed("gap startScan 200 C0:FF:EE:00:00:02", 20*time.Millisecond,
		`<<< {"event": "advertisingReport", "peer_address": "C0:FF:EE:00:00:02", "rssi": -42, "payload": "020106"}`,
		`{"status": 0, "result": []}`,
		"retcode: 0")

	r := NewRunner(nil)
	defer r.Close()
	require.NoError(t, r.Bind("central", harness.NewDevice("board", tr, harness.WithResponseTimeout(time.Second))))

	var out, errOut bytes.Buffer
	err = r.Run(context.Background(), content, "scan.lua",
		map[string]string{"peer": "C0:FF:EE:00:00:02", "duration": "200"}, &out, &errOut)
	require.NoError(t, err, errOut.String())
	assert.Equal(t, "firmware 5.11.0\nscan status 0\nseen C0:FF:EE:00:00:02 rssi -42\n", out.String())

	err = r.Run(context.Background(), content, "scan.lua", nil, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, errOut.String(), "pass --arg peer=<address>")
}
