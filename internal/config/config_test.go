package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("", flag.PanicOnError)
}

func TestNewDefaultConfigHasNoWarnings(t *testing.T) {
	cfg := NewDefaultConfig()
	require.Empty(t, cfg.CheckConfig())
}

func TestCheckConfigFlagsUnevenCellSize(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ManagedPcpus = 8
	cfg.CellSize = 3

	warnings := cfg.CheckConfig()
	require.NotEmpty(t, warnings)

	var found bool
	for _, w := range warnings {
		if w.Message == "cell_size (3) does not evenly divide managed_pcpus (8)" {
			found = true
		}
	}
	require.True(t, found)
}

func TestRegisterFlagsAndApplyDefaultsDoesNotClobberExplicitValues(t *testing.T) {
	cfg := &Config{ManagedPcpus: 64, CellSize: 4}
	cfg.RegisterFlagsAndApplyDefaults("", newTestFlagSet())

	require.Equal(t, 64, cfg.ManagedPcpus)
	require.Equal(t, 4, cfg.CellSize)
}
