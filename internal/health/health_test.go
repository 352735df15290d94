package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) Result   { return Result{Status: StatusHealthy} }
func unhealthy(ctx context.Context) Result { return Result{Status: StatusUnhealthy} }

func TestOverall(t *testing.T) {
	tests := []struct {
		name     string
		critical ProbeFunc
		optional ProbeFunc
		want     Status
	}{
		{"all healthy", healthy, healthy, StatusHealthy},
		{"optional failing", healthy, unhealthy, StatusDegraded},
		{"critical failing", unhealthy, healthy, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("bus", true, tt.critical)
			c.RegisterFunc("store", false, tt.optional)
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.Overall())
		})
	}
}

func TestOverallUnknownBeforeFirstCheck(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bus", true, healthy)
	assert.Equal(t, StatusUnknown, c.Overall())

	c.CheckOne(context.Background(), "bus")
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestProbeTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Probe{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) Result {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return Result{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(ctx context.Context) Result { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "probe timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "boom", results["broken"].Error)
}

func TestUnregister(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bus", true, unhealthy)
	c.Check(context.Background())
	c.Unregister("bus")

	_, ok := c.CheckOne(context.Background(), "bus")
	assert.False(t, ok)
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestPingProbe(t *testing.T) {
	ok := PingProbe("bus", func(ctx context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingProbe("bus", func(ctx context.Context) error { return errors.New("gone") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "gone", bad.Error)
}

func TestRegistryProbe(t *testing.T) {
	r := RegistryProbe(func() (int, int) { return 2, 0 })(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)

	r = RegistryProbe(func() (int, int) { return 2, 3 })(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 3, r.Details["engines"])
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bus", true, healthy)
	c.Check(context.Background())
	h := c.ReadinessHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bus", true, healthy)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ibusd_up 1\n"))
	})

	s := NewServer("127.0.0.1:0", c, metrics, nil)
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/health?full=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rep Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Contains(t, rep.Probes, "bus")

	resp2, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
