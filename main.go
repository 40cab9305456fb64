package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/proxyhop/internal/config"
	"github.com/die-net/proxyhop/internal/connector"
	"github.com/die-net/proxyhop/internal/dialer"
	"github.com/die-net/proxyhop/internal/httpclient"
	"github.com/die-net/proxyhop/internal/proxyinfo"
	"github.com/die-net/proxyhop/internal/relay"
	"github.com/die-net/proxyhop/internal/tlswrap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "Path to a YAML config file. Flags given on the command line override it.")

		proxyURL = pflag.String("proxy", "", "HTTP proxy URL: http://[user:pass@]host[:port]. Empty uses HTTP_PROXY, HTTPS_PROXY and NO_PROXY.")
		via      = pflag.String("via", "direct://", "How to reach the proxy: direct:// | socks5://[user:pass@]host:port")
		noProxy  = pflag.StringSlice("no-proxy", nil, "Glob patterns of hosts reached without the proxy (e.g. localhost,*.internal.example)")
		tunnel   = pflag.String("tunnel", "", "Open a CONNECT tunnel to host:port and relay it over stdin/stdout instead of fetching a URL")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the CONNECT exchange with the proxy")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		caFile             = pflag.String("ca-file", "", "PEM bundle of CAs trusted for origin certificates. Empty uses the system pool.")
		insecure           = pflag.Bool("insecure", false, "Skip origin certificate verification")
		logLevel           = pflag.String("log-level", "info", "Log level: trace|debug|info|warn|error")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] URL\n       %s [flags] --tunnel host:port\n\n", os.Args[0], os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		applyConfig(pflag.CommandLine, cfg)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ka, err := config.ParseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if (*tunnel == "") == (pflag.NArg() != 1) {
		pflag.Usage()
		return errors.New("expected exactly one of a URL argument or --tunnel")
	}

	dialCfg := dialer.Config{
		DialTimeout: *dialTimeout,
		KeepAlive:   ka,
	}
	d, err := dialer.New(dialCfg, *via)
	if err != nil {
		return fmt.Errorf("invalid --via: %w", err)
	}

	sel, err := newSelector(*proxyURL, *noProxy)
	if err != nil {
		return err
	}

	wrapper, err := tlswrap.New(tlswrap.Options{
		CAFile:             *caFile,
		InsecureSkipVerify: *insecure,
		HandshakeTimeout:   *negotiationTimeout,
	})
	if err != nil {
		return fmt.Errorf("invalid --ca-file: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := connector.NewMetrics(reg, "proxyhop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if *debugListen != "" {
		http.DefaultServeMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	g.Go(func() error {
		// Stop the debug listener once the work is done.
		defer cancel()

		if *tunnel != "" {
			return runTunnel(ctx, sel, d, wrapper, *negotiationTimeout, metrics, *tunnel, os.Stdin, os.Stdout)
		}

		client, err := httpclient.New(sel, httpclient.Options{
			Dialer:             d,
			TLS:                wrapper,
			NegotiationTimeout: *negotiationTimeout,
			Metrics:            metrics,
		})
		if err != nil {
			return err
		}
		defer client.CloseIdleConnections()

		return fetch(ctx, client, pflag.Arg(0), os.Stdout)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// applyConfig copies values from cfg into flags the user did not set.
func applyConfig(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name, value string) {
		if value == "" || fs.Changed(name) {
			return
		}
		_ = fs.Set(name, value)
	}
	duration := func(d time.Duration) string {
		if d == 0 {
			return ""
		}
		return d.String()
	}

	set("proxy", cfg.Proxy)
	set("via", cfg.Via)
	set("no-proxy", strings.Join(cfg.NoProxy, ","))
	set("dial-timeout", duration(cfg.DialTimeout))
	set("negotiation-timeout", duration(cfg.NegotiationTimeout))
	set("tcp-keepalive", cfg.TCPKeepAlive)
	set("ca-file", cfg.TLS.CAFile)
	if cfg.TLS.InsecureSkipVerify {
		set("insecure", "true")
	}
	set("log-level", cfg.LogLevel)
	set("debug-listen", cfg.DebugListen)
}

func newSelector(proxyURL string, noProxy []string) (*proxyinfo.Selector, error) {
	if proxyURL == "" {
		return proxyinfo.FromEnvironment(), nil
	}

	p, err := proxyinfo.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid --proxy: %w", err)
	}
	sel, err := proxyinfo.NewSelector(p, noProxy)
	if err != nil {
		return nil, fmt.Errorf("invalid --no-proxy: %w", err)
	}
	return sel, nil
}

func fetch(ctx context.Context, client *http.Client, rawURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	log.Debug().Str("url", rawURL).Int("code", resp.StatusCode).Msg("response")

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", rawURL, resp.Status)
	}
	return nil
}

// runTunnel opens a tunnel to target and relays it over in and out. It
// returns as soon as the tunnel ends, without waiting for in.
func runTunnel(ctx context.Context, sel *proxyinfo.Selector, d dialer.Dialer, wrapper tlswrap.Wrapper, negotiationTimeout time.Duration, metrics *connector.Metrics, target string, in io.Reader, out io.WriteCloser) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("invalid --tunnel: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("invalid --tunnel port %q", portStr)
	}

	// Tunnels carry opaque bytes, so they follow the https proxy settings.
	p, err := sel.ProxyFor("https", host, uint16(port))
	if err != nil {
		return err
	}

	var conn net.Conn
	if p == nil {
		log.Debug().Str("target", target).Msg("direct")
		conn, err = d.DialContext(ctx, "tcp", target)
	} else {
		var c *connector.ProxyConnector
		c, err = connector.New(p, wrapper, connector.Config{
			Dialer:             d,
			NegotiationTimeout: negotiationTimeout,
			Metrics:            metrics,
		})
		if err != nil {
			return err
		}
		conn, err = c.Tunnel(ctx, host, uint16(port))
	}
	if err != nil {
		return err
	}

	log.Info().Str("target", target).Msg("tunnel established")
	err = relay.Stream(ctx, conn, in, out)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
