// Package build exposes the binary's version metadata, grounded on
// cmd/tempo/build/build.go. The teacher's GetVersion returns
// prometheus/prometheus/web/api/v1's PrometheusVersion struct; pulling in
// the full Prometheus server module for one struct shape isn't worth the
// dependency weight here, so Version is a local struct with the same
// fields, still sourced from prometheus/common/version.
package build

import "github.com/prometheus/common/version"

// Version carries the same fields prometheus/common/version exposes for
// any binary's /buildinfo endpoint.
type Version struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	Branch    string `json:"branch"`
	BuildUser string `json:"buildUser"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

// GetVersion returns the process's build metadata, set via main's init
// from -ldflags, the same way build.Version/Branch/Revision are set.
func GetVersion() Version {
	return Version{
		Version:   version.Version,
		Revision:  version.Revision,
		Branch:    version.Branch,
		BuildUser: version.BuildUser,
		BuildDate: version.BuildDate,
		GoVersion: version.GoVersion,
	}
}
