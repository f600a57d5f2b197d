// Package version exposes the build-time version stamp and registers a
// Prometheus build-info gauge for it, the way the teacher's own version
// package does for its operator binary.
package version

import (
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Raw is the string representation of the version. Replaced with the
	// calculated version at build time via -ldflags.
	Raw = "v0.0.0-was-not-built-properly"

	// Version is the semver representation of Raw.
	Version = semver.MustParse(strings.TrimLeft(Raw, "v"))

	// String is the human-friendly representation of the version.
	String = fmt.Sprintf("BlockOrchestrator %s", Raw)
)

func init() {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "block_orchestrator_build_info",
			Help: "A metric with a constant '1' value labeled by the version the orchestrator binary was built from.",
		},
		[]string{"Version"},
	)
	buildInfo.WithLabelValues(String).Set(1)

	prometheus.MustRegister(buildInfo)
}
