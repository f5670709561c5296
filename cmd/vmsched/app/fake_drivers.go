package app

// memsched.WorkingSetSampler, memsched.BalloonDriver, and memsched.SwapDriver
// are the scheduler core's narrow interfaces onto the actual hypervisor
// balloon/swap/page-sampling drivers, which spec.md §2 explicitly places
// out of scope as abstract collaborators. This binary has no real driver
// to wire them to, so it runs a logging stand-in, the same role
// fake_auth.go's fakeHTTPAuthMiddleware plays for Tempo's multitenancy
// auth when multitenancy is disabled: a real interface implementation
// that does the minimum required to keep the rest of the system running.

import (
	"github.com/go-kit/log/level"

	utillog "github.com/grafana/vmsched/pkg/util/log"
)

type fakeWorkingSetSampler struct{}

func (fakeWorkingSetSampler) SampleTouchedPages(clientID string) (int64, error) {
	return 0, nil
}

type fakeBalloonDriver struct{}

func (fakeBalloonDriver) SetBalloonTarget(clientID string, targetPages int64) error {
	level.Debug(utillog.Logger).Log("msg", "balloon target set (no driver attached)", "client", clientID, "target_pages", targetPages)
	return nil
}

type fakeSwapDriver struct {
	enabled bool
}

func (d fakeSwapDriver) IsEnabled() bool { return d.enabled }

func (fakeSwapDriver) SetSwapTarget(clientID string, targetPages int64) error {
	level.Debug(utillog.Logger).Log("msg", "swap target set (no driver attached)", "client", clientID, "target_pages", targetPages)
	return nil
}
