package daemon

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/util/envconst"
)

// startPprofIfConfigured serves net/http/pprof when QUERND_PPROF_LISTEN is
// set. Deliberately env-only: profiling is an operator tool, not config.
func startPprofIfConfigured(ctx context.Context, log *logger.Logger) {
	listen := envconst.String("QUERND_PPROF_LISTEN", "")
	if listen == "" {
		return
	}
	go func() {
		l, err := net.Listen("tcp", listen)
		if err != nil {
			log.WithError(err).Error("cannot listen for pprof")
			return
		}
		go func() {
			<-ctx.Done()
			l.Close()
		}()

		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := http.Serve(l, mux); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("pprof server error")
		}
	}()
}
