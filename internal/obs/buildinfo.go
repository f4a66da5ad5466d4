package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once
	buildInfoMu   sync.Mutex
	buildLabels   prometheus.Labels

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wardkeep_build_info",
			Help: "Constant 1 labelled with the running build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo registers wardkeep_build_info once and points it at the given
// build. A later call replaces the previous labels instead of adding a series.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if version == "" {
		version = "dev"
	}
	labels := prometheus.Labels{"version": version, "commit": commit, "goversion": runtime.Version()}

	buildInfoMu.Lock()
	defer buildInfoMu.Unlock()
	if buildLabels != nil {
		buildInfo.Delete(buildLabels)
	}
	buildInfo.With(labels).Set(1)
	buildLabels = labels
}
