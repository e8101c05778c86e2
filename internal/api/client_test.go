package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"doser-dashboard/internal/device"
	"doser-dashboard/internal/store"
)

type memTokens struct {
	token string
}

func (m *memTokens) GetToken() (string, error) {
	if m.token == "" {
		return "", store.ErrNotFound
	}
	return m.token, nil
}

func newTestClient(t *testing.T, h http.Handler, tokens TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := NewClient(srv.URL, tokens, WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://device", "://bad"} {
		if _, err := NewClient(u, nil); err == nil {
			t.Errorf("NewClient(%q): expected error", u)
		}
	}
}

func TestWithTimeoutCopiesHTTPClient(t *testing.T) {
	shared := &http.Client{}
	c, err := NewClient("http://device", nil, WithHTTPClient(shared), WithTimeout(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if shared.Timeout != 0 {
		t.Errorf("shared client timeout = %s, want untouched", shared.Timeout)
	}
	if c.http == shared || c.http.Timeout != 3*time.Second {
		t.Errorf("client timeout = %s", c.http.Timeout)
	}
}

func TestAuthorizationHeaderRawToken(t *testing.T) {
	var got []string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	})
	tokens := &memTokens{}
	c := newTestClient(t, h, tokens)

	if _, err := c.Status(context.Background()); err != nil {
		t.Fatal(err)
	}
	tokens.token = "abc123"
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got[0] != "" {
		t.Errorf("first request Authorization = %q, want empty", got[0])
	}
	if got[1] != "abc123" {
		t.Errorf("second request Authorization = %q, want raw token", got[1])
	}
}

func TestAuthenticate(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathAuth {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var creds device.Credentials
		json.NewDecoder(r.Body).Decode(&creds)
		if creds.Username != "admin" || creds.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"token":"t0k3n"}`))
	})

	called := false
	c := newTestClient(t, h, nil)
	c.OnUnauthorized(func() { called = true })

	token, err := c.Authenticate(context.Background(), device.Credentials{Username: "admin", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if token != "t0k3n" {
		t.Errorf("token = %q", token)
	}

	_, err = c.Authenticate(context.Background(), device.Credentials{Username: "admin", Password: "bad"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if called {
		t.Error("unauthorized hook must not run for rejected credentials")
	}
}

func TestUnauthorizedHook(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
	calls := 0
	c := newTestClient(t, h, &memTokens{token: "stale"})
	c.OnUnauthorized(func() { calls++ })

	_, err := c.Settings(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Errorf("err = %v, want StatusError 401", err)
	}
	if calls != 1 {
		t.Errorf("hook calls = %d, want 1", calls)
	}
}

func TestStatusShapes(t *testing.T) {
	for name, body := range map[string]string{
		"bare":   `{"up_time":"1d","vcc":3.29,"wifi_mode":"AP","mqtt_service":{"enabled":true,"connected":false}}`,
		"nested": `{"status":{"up_time":"1d","vcc":3.29,"wifi_mode":"AP","mqtt_service":{"enabled":true,"connected":false}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}), nil)
			st, err := c.Status(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if st.UpTime != "1d" || st.VCC != 3.29 || st.WiFiMode != device.WiFiModeAP || !st.MQTTService.Enabled {
				t.Errorf("status = %+v", st)
			}
		})
	}
}

func TestSettingsDecode(t *testing.T) {
	body := `{
		"auth":{"username":"admin","password":""},
		"networks":[{"id":0,"type":0,"ssid":"reef","dhcp":true},{"type":4,"node_is":1}],
		"services":{"hostname":"doser","mqtt_port":"1883","mqtt_qos":1},
		"pumps":[{"id":0,"name":"Ca","direction":true,"schedule":{"mode":1,"work_hours":[8,9],"weekdays":[0]},"calibration":[{"speed":10,"flow":25}]}],
		"time":{"time_zone":"UTC","date":"2024-01-01","time":"12:00"}
	}`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}), nil)

	s, err := c.Settings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Networks) != 2 {
		t.Fatalf("networks = %d, want 2", len(s.Networks))
	}
	if s.Networks[1].ID != device.UnassignedID || s.Networks[1].Type() != device.NetworkCAN {
		t.Errorf("networks[1] = %+v", s.Networks[1])
	}
	if s.Services.Hostname != "doser" || s.Services.MQTTQoS != 1 {
		t.Errorf("services = %+v", s.Services)
	}
	if len(s.Pumps) != 1 || s.Pumps[0].Direction != device.CW || s.Pumps[0].Schedule.Mode != device.SchedulePeriodic {
		t.Errorf("pumps = %+v", s.Pumps)
	}
	if s.Time.TimeZone != "UTC" {
		t.Errorf("time = %+v", s.Time)
	}
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}), nil)
	if _, err := c.Settings(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestServerErrorIsStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}), nil)
	_, err := c.Run(context.Background(), device.RunCommand{ID: 0, Speed: 10, Time: 1})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Errorf("err = %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("500 must not match ErrUnauthorized")
	}
}

func TestRunAndCalibratePayload(t *testing.T) {
	var paths []string
	var cmds []device.RunCommand
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var cmd device.RunCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("decode: %v", err)
		}
		cmds = append(cmds, cmd)
		w.Write([]byte(`{"success":true}`))
	}), nil)

	ok, err := c.Run(context.Background(), device.RunCommand{ID: 1, Speed: 10, Direction: device.CCW, Time: device.RunForever})
	if err != nil || !ok {
		t.Fatalf("run = %v, %v", ok, err)
	}
	ok, err = c.Calibrate(context.Background(), device.RunCommand{ID: 1, Speed: 10, Direction: device.CW, Time: 2})
	if err != nil || !ok {
		t.Fatalf("calibrate = %v, %v", ok, err)
	}

	if paths[0] != PathRun || paths[1] != PathCalibration {
		t.Errorf("paths = %v", paths)
	}
	if cmds[0].Time != -1 || cmds[0].Direction != device.CCW {
		t.Errorf("run cmd = %+v", cmds[0])
	}
}

func TestSaveSettingsPartialBody(t *testing.T) {
	var body map[string]json.RawMessage
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"success":false}`))
	}), nil)

	svc := device.Services{Hostname: "doser"}
	ok, err := c.SaveSettings(context.Background(), device.SettingsPatch{Services: &svc})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("success = true, want false")
	}
	if len(body) != 1 || body["services"] == nil {
		t.Errorf("body keys = %v, want only services", body)
	}
}

func TestUploadFirmware(t *testing.T) {
	image := strings.Repeat("x", 64*1024)
	var received string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathUpload {
			t.Errorf("path = %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		if hdr.Filename != "firmware.bin" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		data, _ := io.ReadAll(f)
		received = string(data)
		w.Write([]byte("OK"))
	}), nil)

	var progress []int
	err := c.UploadFirmware(context.Background(), "firmware.bin", strings.NewReader(image), int64(len(image)), func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	if received != image {
		t.Errorf("received %d bytes, want %d", len(received), len(image))
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Errorf("progress = %v, want to end at 100", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress not monotonic: %v", progress)
			break
		}
	}
}
