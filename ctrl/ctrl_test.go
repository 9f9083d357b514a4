package ctrl

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/frame"
	"github.com/ctrl-z-9000-times/npc-maker/proc"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs posix shell utilities")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteRequestWireFormat(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"environment", Request{Tag: TagEnvironment, Value: "/spec.json"}, "E/spec.json\n"},
		{"population", Request{Tag: TagPopulation, Value: "critters"}, "Pcritters\n"},
		{"genome", Request{Tag: TagGenome, Blob: []byte("abc")}, "G3\nabc"},
		{"reset", Request{Tag: TagReset}, "R\n"},
		{"advance", Request{Tag: TagAdvance, Value: "0.02"}, "A0.02\n"},
		{"input", Request{Tag: TagInput, GIN: 3, Value: "1.5"}, "I3:1.5\n"},
		{"binary", Request{Tag: TagBinary, GIN: 9, Blob: []byte{0, 1}}, "B9:2\n\x00\x01"},
		{"output", Request{Tag: TagOutput, GIN: 7}, "O7\n"},
		{"save", Request{Tag: TagSave}, "S\n"},
		{"load", Request{Tag: TagLoad, Blob: []byte("st")}, "L2\nst"},
		{"quit", Request{Tag: TagQuit}, "Q\n"},
		{"custom", Request{Tag: 'Z', Value: "hello"}, "Zhello\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := frame.NewWriter(&buf)
			require.NoError(t, WriteRequest(w, tt.req))
			require.NoError(t, w.Flush())
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	requests := []Request{
		{Tag: TagEnvironment, Value: "/spec.json"},
		{Tag: TagPopulation, Value: "critters"},
		{Tag: TagGenome, Blob: []byte("genome\nwith newline")},
		{Tag: TagReset},
		{Tag: TagAdvance, Value: "0.5"},
		{Tag: TagInput, GIN: 3, Value: "a:b:c"},
		{Tag: TagBinary, GIN: 12, Blob: []byte{0, 10, 255}},
		{Tag: TagOutput, GIN: 42},
		{Tag: TagSave},
		{Tag: TagLoad, Blob: []byte{}},
		{Tag: 'Z', Value: "custom body"},
	}

	var buf bytes.Buffer
	w := frame.NewWriter(&buf)
	for _, req := range requests {
		require.NoError(t, WriteRequest(w, req))
	}
	require.NoError(t, w.Flush())

	r := frame.NewReader(&buf)
	for _, want := range requests {
		got, err := ReadRequest(r)
		require.NoError(t, err)
		if want.Blob == nil {
			want.Blob = got.Blob
		}
		assert.Equal(t, want.Tag, got.Tag)
		assert.Equal(t, want.GIN, got.GIN)
		assert.Equal(t, want.Value, got.Value)
		assert.Equal(t, string(want.Blob), string(got.Blob))
	}
}

func TestLegacyAdvanceTagDecodes(t *testing.T) {
	r := frame.NewReader(strings.NewReader("X0.25\n"))
	req, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, byte(TagAdvance), req.Tag)
	assert.Equal(t, "0.25", req.Value)
}

func TestReadOutputReplyBothShapes(t *testing.T) {
	r := frame.NewReader(strings.NewReader("7:3.25\nO9\n-1\n"))

	gin, value, err := ReadOutputReply(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), gin)
	assert.Equal(t, "3.25", value)

	gin, value, err = ReadOutputReply(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), gin)
	assert.Equal(t, "-1", value)
}

// scriptController is a Handler whose answers come from small closures, so
// each test states exactly the behavior it needs.
type scriptController struct {
	mu       sync.Mutex
	envPath  string
	popName  string
	genome   []byte
	state    []byte
	resets   int
	advanced []float64
	inputs   map[uint64]string
	messages []string
	output   func(gin uint64) (string, error)
	save     func() ([]byte, error)
}

func newScriptController() *scriptController {
	return &scriptController{
		inputs: make(map[uint64]string),
		output: func(gin uint64) (string, error) {
			return fmt.Sprintf("out%d", gin), nil
		},
		save: func() ([]byte, error) { return []byte("state"), nil },
	}
}

func (c *scriptController) Environment(p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envPath = p
	return nil
}

func (c *scriptController) Population(n string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.popName = n
	return nil
}

func (c *scriptController) Genome(g []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genome = g
	return nil
}

func (c *scriptController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return nil
}

func (c *scriptController) Advance(dt float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanced = append(c.advanced, dt)
	return nil
}

func (c *scriptController) SetInput(gin uint64, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs[gin] = value
	return nil
}

func (c *scriptController) SetBinaryInput(gin uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs[gin] = string(payload)
	return nil
}

func (c *scriptController) GetOutput(gin uint64) (string, error) {
	return c.output(gin)
}

func (c *scriptController) Save() ([]byte, error) { return c.save() }

func (c *scriptController) Load(state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	return nil
}

func (c *scriptController) Message(tag byte, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(tag)+body)
	return nil
}

// newTestDriver wires a Driver to an in-process Serve loop over pipes. The
// supervised process is an idle sleep: it exists so death handling has a
// real process to kill.
func newTestDriver(t *testing.T, h Handler) (*Driver, <-chan error) {
	t.Helper()
	skipOnWindows(t)

	toCtrl, fromDriver := io.Pipe()
	toDriver, fromCtrl := io.Pipe()

	handle, err := proc.Spawn([]string{"sleep", "60"}, proc.Options{})
	require.NoError(t, err)
	t.Cleanup(handle.Kill)

	d := &Driver{
		handle: handle,
		logger: testLogger(),
		grace:  time.Second,
		w:      frame.NewWriter(fromDriver),
		r:      frame.NewReader(toDriver),
	}
	served := make(chan error, 1)
	go func() {
		served <- Serve(toCtrl, fromCtrl, h)
		fromCtrl.Close()
	}()
	t.Cleanup(func() {
		fromDriver.Close()
		toDriver.Close()
	})
	return d, served
}

func TestDriverDrivesHandler(t *testing.T) {
	c := newScriptController()
	d, _ := newTestDriver(t, c)

	require.NoError(t, d.Genome([]byte(`{"w": 1}`)))
	require.NoError(t, d.Reset())
	require.NoError(t, d.Advance(0.25))
	require.NoError(t, d.SetInput(1, "0.5"))
	require.NoError(t, d.SetBinaryInput(2, []byte{9, 8}))
	require.NoError(t, d.Custom('Z', "ping"))

	// GetOutput both flushes the backlog and proves ordering survived.
	value, err := d.GetOutput(7)
	require.NoError(t, err)
	assert.Equal(t, "out7", value)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, `{"w": 1}`, string(c.genome))
	assert.Equal(t, 1, c.resets)
	assert.Equal(t, []float64{0.25}, c.advanced)
	assert.Equal(t, "0.5", c.inputs[1])
	assert.Equal(t, "\x09\x08", c.inputs[2])
	assert.Equal(t, []string{"Zping"}, c.messages)
}

func TestDriverSaveLoadRoundTrip(t *testing.T) {
	c := newScriptController()
	c.save = func() ([]byte, error) { return []byte("blob\x00with\nnoise"), nil }
	d, _ := newTestDriver(t, c)

	saved, err := d.Save()
	require.NoError(t, err)
	assert.Equal(t, "blob\x00with\nnoise", string(saved))

	require.NoError(t, d.Load(saved))
	_, err = d.GetOutput(1)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, string(saved), string(c.state))
}

func TestDriverNeverPipelinesOutputRequests(t *testing.T) {
	c := newScriptController()
	c.output = func(gin uint64) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return fmt.Sprintf("v%d", gin), nil
	}
	d, _ := newTestDriver(t, c)

	var wg sync.WaitGroup
	for _, gin := range []uint64{3, 7, 11, 13} {
		wg.Add(1)
		go func(gin uint64) {
			defer wg.Done()
			value, err := d.GetOutput(gin)
			assert.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("v%d", gin), value)
		}(gin)
	}
	wg.Wait()
}

func TestDriverSurfacesOneDeathOnMidSaveEOF(t *testing.T) {
	c := newScriptController()
	c.save = func() ([]byte, error) { return nil, fmt.Errorf("controller bug") }
	d, served := newTestDriver(t, c)

	// The serve loop dies before replying, closing the driver's read side.
	_, err := d.Save()
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrControllerDied))
	require.Error(t, <-served)

	// Every later call reports the same death, never a second one.
	_, err2 := d.GetOutput(1)
	require.Error(t, err2)
	assert.Same(t, err, err2)
	assert.False(t, d.IsAlive())
}

// newHungDriver wires a Driver to a controller that consumes requests and
// never answers, with a GetOutput already in flight holding the wire
// mutex. The returned channel yields that call's eventual error; closing
// the returned writer releases the hung read.
func newHungDriver(t *testing.T, grace time.Duration) (*Driver, <-chan error, *io.PipeWriter) {
	t.Helper()
	skipOnWindows(t)

	toCtrl, fromDriver := io.Pipe()
	toDriver, fromCtrl := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, toCtrl) }()

	handle, err := proc.Spawn([]string{"sleep", "60"}, proc.Options{})
	require.NoError(t, err)
	t.Cleanup(handle.Kill)

	d := &Driver{
		handle: handle,
		logger: testLogger(),
		grace:  grace,
		w:      frame.NewWriter(fromDriver),
		r:      frame.NewReader(toDriver),
	}
	pending := make(chan error, 1)
	go func() {
		_, err := d.GetOutput(3)
		pending <- err
	}()
	// Let the request reach the wire so the reply read is in flight.
	time.Sleep(50 * time.Millisecond)
	return d, pending, fromCtrl
}

func TestKillDoesNotWaitBehindHungReply(t *testing.T) {
	d, pending, fromCtrl := newHungDriver(t, time.Second)

	killed := make(chan struct{})
	go func() {
		d.Kill()
		close(killed)
	}()
	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("Kill blocked behind the hung reply read")
	}
	assert.False(t, d.IsAlive())

	// Releasing the dead stream surfaces the one latched death.
	fromCtrl.Close()
	err := <-pending
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrControllerDied))
}

func TestQuitStaysBoundedBehindHungReply(t *testing.T) {
	d, pending, fromCtrl := newHungDriver(t, 50*time.Millisecond)

	start := time.Now()
	require.NoError(t, d.Quit())
	assert.Less(t, time.Since(start), 2*time.Second,
		"quit must be bounded by the grace period, not the hung reply")
	assert.False(t, d.IsAlive())

	fromCtrl.Close()
	err := <-pending
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrControllerDied))
}

func TestDriverRejectsReservedCustomTags(t *testing.T) {
	c := newScriptController()
	d, _ := newTestDriver(t, c)
	for _, tag := range []byte{'E', 'P', 'G', 'R', 'A', 'X', 'I', 'B', 'O', 'S', 'L', 'Q'} {
		assert.Error(t, d.Custom(tag, "x"), "tag %c", tag)
	}
}

// A real subprocess exercised through Start: a shell script that ignores
// the headers and answers output requests.
func TestStartAgainstShellController(t *testing.T) {
	skipOnWindows(t)
	script := `
while IFS= read -r line; do
	case "$line" in
	O*) printf '%s:pong\n' "${line#O}" ;;
	Q) exit 0 ;;
	esac
done`
	d, err := Start([]string{"sh", "-c", script}, "/tmp/spec.json", "critters", DriverOptions{
		Logger: testLogger(),
	})
	require.NoError(t, err)

	value, err := d.GetOutput(5)
	require.NoError(t, err)
	assert.Equal(t, "pong", value)

	require.NoError(t, d.Quit())
	assert.False(t, d.IsAlive())

	// Operations after quit report the controller as dead.
	_, err = d.GetOutput(1)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrControllerDied))
}

func TestQuitKillsStubbornController(t *testing.T) {
	skipOnWindows(t)
	d, err := Start([]string{"sh", "-c", "trap '' TERM; sleep 60"}, "spec", "pop", DriverOptions{
		QuitGrace: 50 * time.Millisecond,
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, d.Quit())
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, d.IsAlive())
}

func TestServeStopsOnClosedInput(t *testing.T) {
	c := newScriptController()
	var out bytes.Buffer
	err := Serve(strings.NewReader("E/spec\nPcrit\n"), &out, c)
	assert.NoError(t, err, "end of stream means quit")
	assert.Equal(t, "/spec", c.envPath)
	assert.Equal(t, "crit", c.popName)
}

func TestServeStopsOnQuitMessage(t *testing.T) {
	c := newScriptController()
	var out bytes.Buffer
	err := Serve(strings.NewReader("R\nQ\nR\n"), &out, c)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.resets, "nothing is processed after quit")
}
