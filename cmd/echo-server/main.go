// Command echo-server serves EchoService until interrupted, then stops
// accepting, drains in-flight calls and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"echorpc/echo"
	"echorpc/logging"
	"echorpc/middleware"
	"echorpc/registry"
	"echorpc/server"
)

// `xVersion` and `xBuild` can be injected with `-ldflags -X`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("echo-server-%s+%s", xVersion, xBuild)
)

var usage = `Usage:
  echo-server [options]

Options:
  --port=<port>  TCP port of this server.  [default: 8000]
  --listen-addr=<addr>  Server listen address, may be ip:port or :port.
        Overrides --port when set.
  --echo-attachment=<bool>  Echo attachment as well.  [default: true]
  --idle-timeout-s=<s>  Close connections idle for this many seconds,
        never if <= 0.  [default: -1]
  --logoff-ms=<ms>  Maximum duration of server's LOGOFF state, waiting
        for in-flight calls on shutdown.  [default: 2000]
  --max-qps=<n>  Reject requests above this rate, 0 for unlimited.
        [default: 0]
  --handler-timeout-ms=<ms>  Answer with a timeout error when a call runs
        longer than this, 0 to let calls run unbounded.  [default: 0]
  --metrics-addr=<addr>  Serve Prometheus metrics at <addr>/metrics.
  --etcd=<endpoints>  Comma separated etcd endpoints to register at.
  --advertise-addr=<addr>  Address registered in etcd.
  --log=<logger>  Logger: prod, dev or nop.  [default: prod]
  -h --help  Show this help.
  --version  Show version.
`

const metricsNamespace = "echo"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 0 after a clean shutdown, -1 on any
// startup failure.
func run(argv []string) int {
	args, err := argparse(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return -1
	}
	if helpRequested(args) {
		return 0
	}

	cfg, err := listenConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		return -1
	}
	lg, err := logging.New(args["--log"].(string))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return -1
	}
	defer func() { _ = lg.Sync() }()

	if err := cfg.Validate(); err != nil {
		lg.Errorw("Invalid configuration", "err", err)
		return -1
	}
	addr, err := cfg.Address()
	if err != nil {
		lg.Errorw("Invalid listen address", "listen_addr", cfg.ListenAddr, "err", err)
		return -1
	}

	opts := []server.Option{
		server.WithLogger(lg),
		server.WithIdleTimeout(cfg.IdleTimeout),
	}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, 3*time.Second, lg)
		if err != nil {
			lg.Errorw("Fail to connect to etcd", "endpoints", cfg.EtcdEndpoints, "err", err)
			return -1
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseAddr))
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.LoggingMiddleware(lg))
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	if cfg.MaxQPS > 0 {
		svr.Use(middleware.RateLimitMiddleware(float64(cfg.MaxQPS), cfg.MaxQPS))
	}

	var metricsLn net.Listener
	promReg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		mw, err := middleware.MetricsMiddleware(promReg, metricsNamespace)
		if err != nil {
			lg.Errorw("Fail to register metrics", "err", err)
			return -1
		}
		svr.Use(mw)
		if metricsLn, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			lg.Errorw("Fail to listen for metrics", "metrics_addr", cfg.MetricsAddr, "err", err)
			return -1
		}
		defer metricsLn.Close()
	}

	if err := svr.Register(echo.NewEchoService(cfg, lg)); err != nil {
		lg.Errorw("Fail to add service", "err", err)
		return -1
	}
	if err := svr.Start("tcp", addr); err != nil {
		lg.Errorw("Fail to start EchoServer", "addr", addr, "err", err)
		return -1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, svr, cfg, metricsLn, promReg, lg); err != nil {
		lg.Errorw("EchoServer stopped with error", "err", err)
		return -1
	}
	lg.Infow("EchoServer is going to quit")
	return 0
}

// serve runs the RPC server and, if configured, the metrics endpoint until
// ctx is done or one of them fails.
func serve(
	ctx context.Context,
	svr *server.Server,
	cfg *echo.ListenConfig,
	metricsLn net.Listener,
	gatherer prometheus.Gatherer,
	lg *zap.SugaredLogger,
) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := svr.RunUntilAskedToQuit(ctx, cfg.Logoff)
		if errors.Is(err, server.ErrShutdownTimeout) {
			lg.Warnw("Logoff period elapsed before all calls finished", "logoff", cfg.Logoff)
			return nil
		}
		return err
	})

	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		hsrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		lg.Infow("Serving metrics", "addr", metricsLn.Addr().String())

		g.Go(func() error {
			if err := hsrv.Serve(metricsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return hsrv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

func argparse(argv []string) (map[string]interface{}, error) {
	const autoHelp = true
	const noOptionFirst = false
	const noExit = false
	return docopt.Parse(usage, argv, autoHelp, version, noOptionFirst, noExit)
}

// helpRequested reports whether docopt printed help or version instead of
// returning options.
func helpRequested(args map[string]interface{}) bool {
	if args == nil {
		return true
	}
	help, _ := args["--help"].(bool)
	ver, _ := args["--version"].(bool)
	return help || ver
}

func listenConfig(args map[string]interface{}) (*echo.ListenConfig, error) {
	port, err := intArg(args, "--port")
	if err != nil {
		return nil, err
	}
	echoAttachment, err := strconv.ParseBool(stringArg(args, "--echo-attachment"))
	if err != nil {
		return nil, fmt.Errorf("--echo-attachment: %w", err)
	}
	idleS, err := intArg(args, "--idle-timeout-s")
	if err != nil {
		return nil, err
	}
	logoffMs, err := intArg(args, "--logoff-ms")
	if err != nil {
		return nil, err
	}
	maxQPS, err := intArg(args, "--max-qps")
	if err != nil {
		return nil, err
	}
	handlerTimeoutMs, err := intArg(args, "--handler-timeout-ms")
	if err != nil {
		return nil, err
	}

	cfg := &echo.ListenConfig{
		Port:           port,
		ListenAddr:     stringArg(args, "--listen-addr"),
		EchoAttachment: echoAttachment,
		IdleTimeout:    time.Duration(idleS) * time.Second,
		Logoff:         time.Duration(logoffMs) * time.Millisecond,
		MaxQPS:         maxQPS,
		HandlerTimeout: time.Duration(handlerTimeoutMs) * time.Millisecond,
		MetricsAddr:    stringArg(args, "--metrics-addr"),
		AdvertiseAddr:  stringArg(args, "--advertise-addr"),
	}
	for _, ep := range strings.Split(stringArg(args, "--etcd"), ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			cfg.EtcdEndpoints = append(cfg.EtcdEndpoints, ep)
		}
	}
	return cfg, nil
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string) (int, error) {
	n, err := strconv.Atoi(stringArg(args, key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
