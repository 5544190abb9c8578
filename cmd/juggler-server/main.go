// Command juggler-server implements a juggler server that listens for
// connections and serves the requests. It is mostly useful as a testing
// and debugging tool, typical applications will use the juggler package
// as a library in their own main command.
package main

import (
	"context"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	juggler "github.com/hat-open/hat-juggler"
	"github.com/hat-open/hat-juggler/internal/srvhandler"
	"github.com/hat-open/hat-juggler/state"
)

var (
	configFlag    = flag.String("config", "", "Path of the configuration `file`.")
	helpFlag      = flag.Bool("help", false, "Show help.")
	noLogFlag     = flag.Bool("L", false, "Disable logging.")
	portFlag      = flag.Int("port", 9000, "Server `port`.")
	staticDirFlag = flag.String("static", "", "Serve static files from `dir`.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *noLogFlag {
		// effectively silences the logger
		logLevel = slog.Level(127)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	vars := expvar.NewMap("juggler")
	metrics := juggler.NewMetrics("hat", prometheus.DefaultRegisterer)
	juggler.SlowRequestThreshold = conf.Server.SlowRequestThreshold

	srv := newServer(conf.Server, logger, vars, metrics)
	srv.Handler = newHandler(conf.Server, logger, vars)
	if conf.State.Shared {
		srv.State = state.New()
	}

	upg := newUpgrader(conf.Server)
	upgh := juggler.Upgrade(upg, srv)

	mux := http.NewServeMux()
	for _, p := range conf.Server.Paths {
		mux.Handle(p, upgh)
	}
	if conf.Static.Dir != "" {
		mux.Handle("/", noCache(staticHandler(conf.Static)))
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	httpSrv := newHTTPServer(conf.Server, mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening for connections", "addr", conf.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	if srv.State != nil && conf.State.ClockPeriod > 0 {
		g.Go(func() error {
			return runClock(ctx, srv.State, conf.State.ClockPeriod)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// runClock publishes the current time and a tick counter into the
// shared state, so every connected client observes the same
// replicated document.
func runClock(ctx context.Context, st *state.Store, period time.Duration) error {
	if err := st.Set("", map[string]interface{}{"time": "", "ticks": 0}); err != nil {
		return err
	}

	ticks := 0
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			ticks++
			if err := st.Set("/time", now.UTC().Format(time.RFC3339)); err != nil {
				return err
			}
			if err := st.Set("/ticks", ticks); err != nil {
				return err
			}
		}
	}
}

func newHandler(conf *Server, logger *slog.Logger, vars *expvar.Map) juggler.Handler {
	closeName := conf.CloseName
	panicName := conf.PanicName
	writeTimeout := conf.WriteTimeout

	var mux juggler.ServeMux
	mux.HandleFunc("echo", func(_ context.Context, _ *juggler.Conn, _ string, data json.RawMessage) (interface{}, error) {
		return data, nil
	})
	mux.HandleFunc("time", func(_ context.Context, _ *juggler.Conn, _ string, _ json.RawMessage) (interface{}, error) {
		return time.Now().UTC(), nil
	})
	mux.HandleFunc("delay", func(ctx context.Context, _ *juggler.Conn, _ string, data json.RawMessage) (interface{}, error) {
		var ms int
		if err := json.Unmarshal(data, &ms); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return ms, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if panicName != "" {
		mux.HandleFunc(panicName, func(_ context.Context, _ *juggler.Conn, _ string, _ json.RawMessage) (interface{}, error) {
			panic("called panic request")
		})
	}
	if closeName != "" {
		mux.HandleFunc(closeName, func(_ context.Context, c *juggler.Conn, _ string, _ json.RawMessage) (interface{}, error) {
			wsc := c.UnderlyingConn()

			deadline := time.Now().Add(writeTimeout)
			if writeTimeout == 0 {
				deadline = time.Time{}
			}

			if err := wsc.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				deadline); err != nil {
				logger.Warn("WriteControl failed", "error", err)
			}
			return "bye", nil
		})
	}

	h := juggler.SlowTimer(vars, mux.Handler())
	if !*noLogFlag {
		h = srvhandler.LogRequest(logger, h)
	}
	return srvhandler.PanicRecover(h, vars)
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if v == vv {
			return true
		}
	}
	return false
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	upg := &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
		Subprotocols:     juggler.Subprotocols,
	}

	if len(conf.WhitelistedOrigins) > 0 {
		oris := conf.WhitelistedOrigins
		upg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return isIn(oris, o)
		}
	}
	return upg
}

func newHTTPServer(conf *Server, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		Handler:        mux,
		ReadTimeout:    conf.ReadTimeout,
		WriteTimeout:   conf.WriteTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}

func newServer(conf *Server, logger *slog.Logger, vars *expvar.Map, metrics *juggler.Metrics) *juggler.Server {
	cs := srvhandler.LogConn(logger)
	if *noLogFlag {
		cs = nil
	}
	return &juggler.Server{
		ReadLimit:               conf.ReadLimit,
		ReadTimeout:             conf.ReadTimeout,
		WriteLimit:              conf.WriteLimit,
		WriteTimeout:            conf.WriteTimeout,
		AcquireWriteLockTimeout: conf.AcquireWriteLockTimeout,
		MaxSegmentSize:          conf.MaxSegmentSize,
		PingDelay:               conf.PingDelay,
		PingTimeout:             conf.PingTimeout,
		AutoflushDelay:          conf.AutoflushDelay,
		ParallelRequests:        conf.ParallelRequests,
		ConnState:               cs,
		Vars:                    vars,
		Metrics:                 metrics,
	}
}

// staticHandler serves the UI files. Requests for the root path
// redirect to the configured index file.
func staticHandler(conf *Static) http.Handler {
	fs := http.FileServer(http.Dir(conf.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && conf.Index != "" {
			http.Redirect(w, r, path.Join("/", conf.Index), http.StatusFound)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// noCache disables client-side caching of the served files, so UI
// changes are picked up on reload.
func noCache(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		h.ServeHTTP(w, r)
	})
}
