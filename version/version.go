package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	querndVersion = "v0.4.1"
)

func Version() string {
	return querndVersion
}

type VersionInformation struct {
	Version       string
	RuntimeGOOS   string
	RuntimeGOARCH string
	RUNTIMEGo     string
}

func NewVersionInformation() *VersionInformation {
	return &VersionInformation{
		Version:       querndVersion,
		RuntimeGOOS:   runtime.GOOS,
		RuntimeGOARCH: runtime.GOARCH,
		RUNTIMEGo:     runtime.Version(),
	}
}

func PrometheusRegister(registerer prometheus.Registerer) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quernd",
		Subsystem: "version",
		Name:      "daemon",
		Help:      "what version the daemon is running",
	}, []string{"version"})
	registerer.MustRegister(g)
	g.WithLabelValues(querndVersion).Set(1)
}

func (v *VersionInformation) String() string {
	return fmt.Sprintf("quernd version=%s go=%s GOOS=%s GOARCH=%s",
		v.Version, v.RUNTIMEGo, v.RuntimeGOOS, v.RuntimeGOARCH)
}
