package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quernd/quernd/config"
	"github.com/quernd/quernd/daemon/logging"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/server"
	"github.com/quernd/quernd/version"
)

// Run starts the manager and serves until the process is signaled. The first
// SIGINT/SIGTERM starts the asap shutdown (drain in-flight work); a second
// signal forces every connection down.
func Run(ctx context.Context, conf *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outlets, err := logging.OutletsFromConfig(conf.Global.Logging)
	if err != nil {
		return errors.Wrap(err, "cannot build logging from config")
	}
	outlets.Add(newPrometheusLogOutlet(), logger.Debug)

	log := logger.NewLogger(outlets)
	log.Info(version.NewVersionInformation().String())

	mgr, err := server.NewManager(conf, log)
	if err != nil {
		return errors.Wrap(err, "cannot build manager")
	}
	mgr.RegisterMetrics(prometheus.DefaultRegisterer)
	version.PrometheusRegister(prometheus.DefaultRegisterer)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("signal received, shutting down as soon as possible")
		cancel()
		<-sigChan
		log.Warn("second signal received, shutting down now")
		mgr.ShutdownNow()
	}()

	for i, mon := range conf.Global.Monitoring {
		job, err := newPrometheusJob(&mon, log)
		if err != nil {
			return errors.Wrapf(err, "cannot build monitoring job #%d", i)
		}
		go job.Run(ctx)
	}
	startPprofIfConfigured(ctx, log)

	log.Info("starting daemon")
	err = mgr.Run(ctx)
	log.Info("daemon exiting")
	return err
}
