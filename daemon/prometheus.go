package daemon

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quernd/quernd/config"
	"github.com/quernd/quernd/logger"
)

type prometheusJob struct {
	listen string
	log    *logger.Logger
}

func newPrometheusJob(in *config.MonitoringOutlet, log *logger.Logger) (*prometheusJob, error) {
	if _, _, err := net.SplitHostPort(in.Listen); err != nil {
		return nil, err
	}
	return &prometheusJob{listen: in.Listen, log: log.WithField("job", "_prometheus")}, nil
}

var prom struct {
	logEntries *prometheus.CounterVec
}

func init() {
	prom.logEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quernd",
		Subsystem: "daemon",
		Name:      "log_entries",
		Help:      "number of log entries per level",
	}, []string{"level"})
	prometheus.MustRegister(prom.logEntries)
}

func (j *prometheusJob) Run(ctx context.Context) {
	l, err := net.Listen("tcp", j.listen)
	if err != nil {
		j.log.WithError(err).Error("cannot listen")
		return
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	err = http.Serve(l, mux)
	if err != nil && ctx.Err() == nil {
		j.log.WithError(err).Error("error while serving")
	}
}

type prometheusLogOutlet struct{}

var _ logger.Outlet = prometheusLogOutlet{}

func newPrometheusLogOutlet() prometheusLogOutlet {
	return prometheusLogOutlet{}
}

func (o prometheusLogOutlet) WriteEntry(entry logger.Entry) error {
	prom.logEntries.WithLabelValues(entry.Level.String()).Inc()
	return nil
}
