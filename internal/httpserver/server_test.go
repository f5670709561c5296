package httpserver

import (
	"context"
	"flag"
	"net/http"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
)

func TestServiceServesAndStopsCleanly(t *testing.T) {
	cfg := Config{}
	f := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("", f)
	cfg.HTTPListenPort = 0 // let the OS pick a free port
	cfg.GracefulShutdownTimeout = time.Second

	s := New(cfg)
	s.Router().HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	svc := s.NewService(func() []services.Service { return nil })

	ctx := context.Background()
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(ctx))
}

func TestConfigDefaultsApplyOnce(t *testing.T) {
	cfg := Config{}
	f := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("", f)
	require.Equal(t, 8080, cfg.HTTPListenPort)
	require.Equal(t, 5*time.Second, cfg.GracefulShutdownTimeout)

	cfg.GracefulShutdownTimeout = 42 * time.Second
	f2 := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("", f2)
	require.Equal(t, 42*time.Second, cfg.GracefulShutdownTimeout, "a non-zero value set between calls must not be clobbered")
}
