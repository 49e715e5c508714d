package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consoleRecorder plays a device double: it serves a canned schedule
// document and records every console command received.
type consoleRecorder struct {
	mu       sync.Mutex
	commands []string
	schedule string
	respond  func(w http.ResponseWriter, cmd string)
}

func newConsoleRecorder(localMode bool) *consoleRecorder {
	schedule := `{"local_mode": false, "schedule": []}`
	if localMode {
		schedule = `{"local_mode": true, "schedule": []}`
	}
	return &consoleRecorder{schedule: schedule}
}

func (h *consoleRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case EndpointSchedule:
		w.Write([]byte(h.schedule))
	case EndpointConsole:
		_ = r.ParseForm()
		cmd := r.PostFormValue("cmd")
		h.mu.Lock()
		h.commands = append(h.commands, cmd)
		h.mu.Unlock()
		if h.respond != nil {
			h.respond(w, cmd)
			return
		}
		w.Write([]byte(`{"command": "` + cmd + `", "output": "ok", "exit_code": 0}`))
	case EndpointParams:
		w.Write([]byte(`[]`))
	default:
		http.NotFound(w, r)
	}
}

func (h *consoleRecorder) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func newControlClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{Host: srv.URL}, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func intp(v int) *int { return &v }

func TestSetModeCommandLines(t *testing.T) {
	cases := []struct {
		name string
		call func(c *Client) error
		want string
	}{
		{
			name: "idle",
			call: func(c *Client) error {
				_, err := c.SetIdle(context.Background(), false)
				return err
			},
			want: "sched_set 0",
		},
		{
			name: "idle_offline",
			call: func(c *Client) error {
				_, err := c.SetIdle(context.Background(), true)
				return err
			},
			want: "sched_set 0 --offline",
		},
		{
			name: "charge_with_setpoint",
			call: func(c *Client) error {
				_, err := c.SetCharge(context.Background(), ModeParams{Setpoint: intp(3000)})
				return err
			},
			want: "sched_set 1 -s 3000",
		},
		{
			name: "discharge",
			call: func(c *Client) error {
				_, err := c.SetDischarge(context.Background(), ModeParams{Setpoint: intp(2000), MinSoc: intp(20)})
				return err
			},
			want: "sched_set 2 -s 2000 --min 20",
		},
		{
			name: "grid_charge",
			call: func(c *Client) error {
				_, err := c.SetGridCharge(context.Background(), ModeParams{Setpoint: intp(5000), MaxSoc: intp(90)})
				return err
			},
			want: "sched_set 3 -s 5000 --max 90",
		},
		{
			name: "grid_charge_discharge",
			call: func(c *Client) error {
				_, err := c.SetGridChargeDischarge(context.Background(), ModeParams{
					Setpoint: intp(0), ChargeSetpoint: intp(4000), DischargeSetpoint: intp(3500),
				})
				return err
			},
			want: "sched_set 5 -s 0 -c 4000 -d 3500",
		},
		{
			name: "solar_charge",
			call: func(c *Client) error {
				_, err := c.SetSolarCharge(context.Background(), ModeParams{})
				return err
			},
			want: "sched_set 7",
		},
		{
			name: "full_solar_export",
			call: func(c *Client) error {
				_, err := c.SetFullSolarExport(context.Background(), ModeParams{})
				return err
			},
			want: "sched_set 9",
		},
		{
			name: "clear",
			call: func(c *Client) error {
				_, err := c.ClearSchedule(context.Background())
				return err
			},
			want: "sched_clear",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newConsoleRecorder(true)
			c := newControlClient(t, h)
			require.NoError(t, tc.call(c))
			require.Len(t, h.sent(), 1)
			assert.Equal(t, tc.want, h.sent()[0])
		})
	}
}

func TestGridChargeDischargeRequiresSetpoint(t *testing.T) {
	h := newConsoleRecorder(true)
	c := newControlClient(t, h)

	_, err := c.SetGridChargeDischarge(context.Background(), ModeParams{})
	require.Error(t, err)
	assert.Empty(t, h.sent())
}

func TestModeParamsValidation(t *testing.T) {
	h := newConsoleRecorder(true)
	c := newControlClient(t, h)

	_, err := c.SetCharge(context.Background(), ModeParams{Setpoint: intp(-1)})
	require.Error(t, err)

	_, err = c.SetCharge(context.Background(), ModeParams{MinSoc: intp(101)})
	require.Error(t, err)
	assert.Empty(t, h.sent())
}

func TestControlRejectedWithoutLocalMode(t *testing.T) {
	h := newConsoleRecorder(false)
	c := newControlClient(t, h)

	_, err := c.SetCharge(context.Background(), ModeParams{Setpoint: intp(1000)})
	assert.ErrorIs(t, err, ErrNotLocalMode)
	assert.Empty(t, h.sent())
}

func TestControlRejectedFromCacheWithoutNetwork(t *testing.T) {
	h := newConsoleRecorder(false)
	srv := httptest.NewServer(h)
	c := NewClient(Config{Host: srv.URL}, zerolog.Nop())
	defer c.Close()

	// Seed the schedule cache, then take the device away entirely.
	_, _, err := c.Get(context.Background(), EndpointSchedule)
	require.NoError(t, err)
	srv.Close()

	_, err = c.SetCharge(context.Background(), ModeParams{Setpoint: intp(1000)})
	assert.ErrorIs(t, err, ErrNotLocalMode)
}

func TestRebootExemptFromLocalMode(t *testing.T) {
	h := newConsoleRecorder(false)
	c := newControlClient(t, h)

	res, err := c.Reboot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"reset_hard"}, h.sent())
	assert.Zero(t, res.ExitCode)
}

func TestSetScheduleReplaceThenAppend(t *testing.T) {
	h := newConsoleRecorder(true)
	c := newControlClient(t, h)

	entries := []ScheduleEntry{
		{Type: ModeGridCharge, From: "2026-08-30T22:00:00Z", To: "2026-08-31T06:00:00Z", Setpoint: intp(5000)},
		{Type: ModeIdle, From: "2026-08-31T06:00:00Z"},
		{Type: ModeGridDischarge, Setpoint: intp(3000), MinSoc: intp(15), ExportLimit: intp(6000)},
	}
	results, err := c.SetSchedule(context.Background(), entries)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	sent := h.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "sched_set 3 --from 2026-08-30T22:00:00Z --to 2026-08-31T06:00:00Z -s 5000", sent[0])
	assert.Equal(t, "sched_add 0 --from 2026-08-31T06:00:00Z", sent[1])
	assert.Equal(t, "sched_add 4 --min 15 -s 3000 -x 6000", sent[2])
}

func TestSetScheduleValidatesBeforeSending(t *testing.T) {
	h := newConsoleRecorder(true)
	c := newControlClient(t, h)

	entries := []ScheduleEntry{
		{Type: ModeGridCharge, Setpoint: intp(5000)},
		{Type: ModeGridDischarge, MinSoc: intp(150)},
	}
	_, err := c.SetSchedule(context.Background(), entries)
	require.Error(t, err)
	assert.Empty(t, h.sent(), "no entry may be sent when any entry is invalid")
}

func TestSetScheduleEmpty(t *testing.T) {
	c := newControlClient(t, newConsoleRecorder(true))
	_, err := c.SetSchedule(context.Background(), nil)
	require.Error(t, err)
}

func TestSendConsoleDecodesJSON(t *testing.T) {
	h := newConsoleRecorder(true)
	h.respond = func(w http.ResponseWriter, cmd string) {
		w.Write([]byte(`{"command": "sched_clear", "output": "schedule cleared", "exit_code": 0}`))
	}
	c := newControlClient(t, h)

	res, err := c.ClearSchedule(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "schedule cleared", res.Output)
	assert.Zero(t, res.ExitCode)
}

func TestSendConsoleTextError(t *testing.T) {
	h := newConsoleRecorder(true)
	h.respond = func(w http.ResponseWriter, cmd string) {
		w.Write([]byte("esp32> sched_set 3\ninvalid argument\nCommand returned non-zero error code: 0x1\n"))
	}
	c := newControlClient(t, h)

	_, err := c.SetGridCharge(context.Background(), ModeParams{Setpoint: intp(1000)})
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "invalid argument", cmdErr.Output)
	assert.Contains(t, cmdErr.Command, "sched_set 3")
}

func TestSendConsolePlainTextSuccess(t *testing.T) {
	h := newConsoleRecorder(true)
	h.respond = func(w http.ResponseWriter, cmd string) {
		w.Write([]byte("esp32> sched_clear\nok\n"))
	}
	c := newControlClient(t, h)

	res, err := c.ClearSchedule(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Output, "ok")
	assert.Zero(t, res.ExitCode)
}

func TestSetParamForm(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = map[string]string{
			"k":     r.PostFormValue("k"),
			"v":     r.PostFormValue("v"),
			"store": r.PostFormValue("store"),
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Host: srv.URL}, zerolog.Nop())
	defer c.Close()

	require.NoError(t, c.SetParam(context.Background(), "led_intensity", "50"))
	assert.Equal(t, map[string]string{"k": "led_intensity", "v": "50", "store": "1"}, got)
}
