// Command echo-client sends an echo request to an echo-server once per
// interval until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"echorpc/client"
	"echorpc/echo"
	"echorpc/logging"
)

// `xVersion` and `xBuild` can be injected with `-ldflags -X`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("echo-client-%s+%s", xVersion, xBuild)
)

var usage = `Usage:
  echo-client [options]

Options:
  --server=<addr>  Server address: host:port, list://h1:p1,h2:p2 or
        etcd://ep1,ep2/EchoService.  [default: 0.0.0.0:8000]
  --protocol=<name>  Protocol: json, binary or msgpack.  [default: binary]
  --connection-type=<type>  Connection type: single, pooled or short.
        [default: single]
  --load-balancer=<name>  Load balancer: rr, wr or c_hash.  Required for
        list:// and etcd:// servers, rejected for a single server.
        [default: ]
  --timeout-ms=<ms>  RPC timeout in milliseconds.  [default: 100]
  --max-retry=<n>  Max retries, not including the first RPC.  [default: 3]
  --interval-ms=<ms>  Milliseconds between consecutive requests.
        [default: 1000]
  --attachment=<bytes>  Carry this along with requests.  [default: ]
  --compress=<name>  Body compression: none, gzip, snappy, lz4 or zlib.
        [default: none]
  --log=<logger>  Logger: prod, dev or nop.  [default: prod]
  -h --help  Show this help.
  --version  Show version.
`

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

	cfg, err := channelConfig(args)
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

	opts, err := cfg.ChannelOptions(lg)
	if err != nil {
		lg.Errorw("Fail to initialize channel", "err", err)
		return -1
	}
	ch, err := client.NewChannel(opts)
	if err != nil {
		lg.Errorw("Fail to initialize channel", "err", err)
		return -1
	}
	defer ch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Infow("Started.", "server", cfg.Server, "protocol", cfg.Protocol, "connection_type", cfg.ConnectionType)
	echo.NewLoop(ch, cfg, lg).Run(ctx)
	lg.Infow("EchoClient is going to quit")
	return 0
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

func channelConfig(args map[string]interface{}) (*echo.ChannelConfig, error) {
	timeoutMs, err := intArg(args, "--timeout-ms")
	if err != nil {
		return nil, err
	}
	maxRetry, err := intArg(args, "--max-retry")
	if err != nil {
		return nil, err
	}
	intervalMs, err := intArg(args, "--interval-ms")
	if err != nil {
		return nil, err
	}
	cfg := &echo.ChannelConfig{
		Server:         stringArg(args, "--server"),
		Protocol:       stringArg(args, "--protocol"),
		ConnectionType: stringArg(args, "--connection-type"),
		LoadBalancer:   stringArg(args, "--load-balancer"),
		Timeout:        time.Duration(timeoutMs) * time.Millisecond,
		MaxRetry:       maxRetry,
		Interval:       time.Duration(intervalMs) * time.Millisecond,
		Compress:       stringArg(args, "--compress"),
	}
	if a := stringArg(args, "--attachment"); a != "" {
		cfg.Attachment = []byte(a)
	}
	return cfg, cfg.Validate()
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
