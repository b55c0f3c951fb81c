package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quernd/quernd/config"
	"github.com/quernd/quernd/index"
	"github.com/quernd/quernd/ioloop"
	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/server/binaryd"
	"github.com/quernd/quernd/server/client"
	"github.com/quernd/quernd/server/httpd"
	"github.com/quernd/quernd/util/envconst"
	"github.com/quernd/quernd/util/taskpool"
	"github.com/quernd/quernd/worker"
)

var shutdownGrace = envconst.Duration("QUERND_SHUTDOWN_GRACE", 10*time.Second)

// Manager is the root of the worker tree: it owns the loops, the worker
// pool, the index pool and the two port servers.
type Manager struct {
	log  *logger.Logger
	conf *config.Config

	root  *worker.Worker
	loops *LoopPool
	tasks *taskpool.Pool
	pool  *index.Pool

	httpSrv *TCPServer
	binSrv  *TCPServer

	shutdownNow int32
}

func NewManager(conf *config.Config, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		log:  log,
		conf: conf,
		root: worker.New("manager", nil, nil, nil),
	}

	loops, err := NewLoopPool(conf.Global.Loops, log)
	if err != nil {
		return nil, err
	}
	m.loops = loops

	m.tasks = taskpool.New("handlers", conf.Global.WorkerPool.Workers, conf.Global.WorkerPool.QueueDepth, log)
	m.pool = index.NewPool(int64(conf.Global.DatabasePool.Slots), index.OpenMemory())

	limits := httpd.Limits{
		MaxBodySize: conf.Global.Limits.MaxBodySize,
		MaxBodyMem:  conf.Global.Limits.MaxBodyMem,
		RejectSpill: conf.Global.Limits.RejectSpill,
	}
	httpEnv := httpd.NewEnv(m.pool, m.tasks, limits, conf.Global.TempDir, conf.Global.NodeName, log)
	binEnv := &binaryd.Env{
		Pool:     m.pool,
		Tasks:    m.tasks,
		TempDir:  conf.Global.TempDir,
		NodeName: conf.Global.NodeName,
		Log:      log,
	}

	m.httpSrv, err = NewTCPServer("http", m.root, loops, conf.Global.Listen.HTTP,
		func(parent *worker.Worker, loop *ioloop.Loop, sock int) {
			httpd.NewClient(parent, loop, sock, httpEnv)
		}, log)
	if err != nil {
		return nil, err
	}

	m.binSrv, err = NewTCPServer("binary", m.root, loops, conf.Global.Listen.Binary,
		func(parent *worker.Worker, loop *ioloop.Loop, sock int) {
			binaryd.NewClient(parent, loop, sock, binEnv)
		}, log)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Run serves until ctx is canceled, then shuts down asap; if the connections
// have not detached within the grace period it escalates to ShutdownNow.
// Callers may also call ShutdownNow directly to force an earlier teardown.
func (m *Manager) Run(ctx context.Context) error {
	m.loops.Start()
	m.tasks.Start()
	m.httpSrv.Start()
	m.binSrv.Start()

	<-ctx.Done()
	m.log.Info("shutdown requested, draining connections")
	m.ShutdownAsap()

	deadline := time.Now().Add(shutdownGrace)
	if !m.waitConnectionsDetached(deadline) {
		m.log.Warn("grace period expired, forcing shutdown")
		m.ShutdownNow()
		m.waitConnectionsDetached(time.Now().Add(shutdownGrace))
	}

	m.tasks.Shutdown()
	m.pool.Close()
	m.loops.Stop()
	m.log.Info("manager exited")
	return nil
}

func (m *Manager) waitConnectionsDetached(deadline time.Time) bool {
	ok := m.httpSrv.WaitChildrenDetached(deadline)
	return m.binSrv.WaitChildrenDetached(deadline) && ok
}

// ShutdownAsap stops accepting and lets in-flight handlers finish.
func (m *Manager) ShutdownAsap() {
	m.httpSrv.stopListening()
	m.binSrv.stopListening()
	m.root.Shutdown(time.Now(), time.Time{})
}

// ShutdownNow forces every connection down.
func (m *Manager) ShutdownNow() {
	if !atomic.CompareAndSwapInt32(&m.shutdownNow, 0, 1) {
		return
	}
	m.httpSrv.stopListening()
	m.binSrv.stopListening()
	now := time.Now()
	m.root.Shutdown(now, now)
}

// RegisterMetrics publishes the wire-level gauges and counters.
func (m *Manager) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "quernd", Subsystem: "server", Name: "total_clients",
		Help: "live client connections across both ports",
	}, func() float64 { return float64(atomic.LoadInt64(&client.TotalClients)) }))
	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "quernd", Subsystem: "server", Name: "http_clients",
		Help: "live HTTP connections",
	}, func() float64 { return float64(atomic.LoadInt64(&httpd.HTTPClients)) }))
	registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "quernd", Subsystem: "server", Name: "binary_clients",
		Help: "live binary connections",
	}, func() float64 { return float64(atomic.LoadInt64(&binaryd.BinaryClients)) }))
	registerer.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "quernd", Subsystem: "server", Name: "accepted_http_total",
		Help: "connections accepted on the http port",
	}, func() float64 { return float64(m.httpSrv.Accepted()) }))
	registerer.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "quernd", Subsystem: "server", Name: "accepted_binary_total",
		Help: "connections accepted on the binary port",
	}, func() float64 { return float64(m.binSrv.Accepted()) }))
}
