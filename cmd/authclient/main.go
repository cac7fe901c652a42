package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eattestation/authclient"
	otelexport "github.com/eattestation/authclient/metrics/export/otel"
	promexport "github.com/eattestation/authclient/metrics/export/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

const usage = `usage: authclient [flags] <command> [command flags]

commands:
  login          sign in with -email and -password (or AUTHCLIENT_PASSWORD)
  status         reconcile the stored session with the server and print it
  whoami         print the locally known session without network calls
  refresh        force a token refresh
  logout         sign out (-all for every device)
  refresh-storm  hammer the token manager concurrently and report latency
  metrics        print client telemetry (-format prom or otel)
`

func main() {
	var (
		configPath = flag.String("config", "", "config file; falls back to CONFIG_PATH and ./authclient.yaml")
		statePath  = flag.String("state", "", "session file for the file backend; defaults to the user config dir")
		redisAddr  = flag.String("redis-addr", "", `redis address; "miniredis" starts an embedded server`)
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := authclient.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := authclient.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	builder := authclient.New().WithLogger(logger)

	var cleanup func()
	switch {
	case *redisAddr == "miniredis":
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		builder.WithRedis(client)
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	case *redisAddr != "":
		cfg.Storage.Backend = authclient.StorageRedis
		cfg.Storage.RedisAddr = *redisAddr
	case cfg.Storage.Backend == authclient.StorageMemory:
		path := *statePath
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "resolve config dir: %v\n", err)
				os.Exit(1)
			}
			path = filepath.Join(dir, "eattestation", "session.json")
		}
		cfg.Storage.Backend = authclient.StorageFile
		cfg.Storage.FilePath = path
	}
	if cleanup != nil {
		defer cleanup()
	}

	client, err := builder.WithConfig(cfg).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if err := run(ctx, client, logger, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *authclient.Client, logger *zap.Logger, cmd string, args []string) error {
	switch cmd {
	case "login":
		return runLogin(ctx, c, args)
	case "status":
		return runStatus(ctx, c)
	case "whoami":
		printState(c.Session().State())
		return nil
	case "refresh":
		if _, err := c.Tokens().RefreshWithRetry(ctx); err != nil {
			return err
		}
		status, err := c.Tokens().Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("refreshed: status=%s\n", status)
		return nil
	case "logout":
		fs := flag.NewFlagSet("logout", flag.ExitOnError)
		all := fs.Bool("all", false, "sign out of every device")
		_ = fs.Parse(args)
		c.Session().Logout(ctx, *all)
		printState(c.Session().State())
		return nil
	case "refresh-storm":
		return runStorm(ctx, c, logger, args)
	case "metrics":
		fs := flag.NewFlagSet("metrics", flag.ExitOnError)
		format := fs.String("format", "prom", "output format: prom or otel")
		_ = fs.Parse(args)
		return runMetrics(ctx, c, *format)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runLogin(ctx context.Context, c *authclient.Client, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password; AUTHCLIENT_PASSWORD is used when empty")
	remember := fs.Bool("remember", true, "ask the server for a long-lived refresh token")
	_ = fs.Parse(args)

	if *password == "" {
		*password = os.Getenv("AUTHCLIENT_PASSWORD")
	}
	res := c.Session().Login(ctx, authclient.LoginRequest{
		Email:      *email,
		Password:   *password,
		RememberMe: *remember,
	})
	if !res.Success {
		return errors.New(res.Message)
	}
	printState(c.Session().State())
	return nil
}

func runStatus(ctx context.Context, c *authclient.Client) error {
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := c.Session().Subscribe(func(st authclient.SessionState) {
		if !st.Loading {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if err := c.Start(ctx); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	printState(c.Session().State())
	return nil
}

func printState(st authclient.SessionState) {
	fmt.Printf("phase=%s authenticated=%t", st.Phase, st.IsAuthenticated)
	if st.User != nil {
		fmt.Printf(" user=%s email=%s", st.User.ID, st.User.Email)
	}
	if st.AuthError != "" {
		fmt.Printf(" message=%q", st.AuthError)
	}
	fmt.Println()
}

func runStorm(ctx context.Context, c *authclient.Client, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("refresh-storm", flag.ExitOnError)
	concurrency := fs.Int("concurrency", 64, "number of concurrent workers")
	ops := fs.Int("ops", 2000, "total token requests")
	_ = fs.Parse(args)
	if *concurrency <= 0 || *ops <= 0 {
		return errors.New("concurrency and ops must be > 0")
	}

	has, err := c.Tokens().HasTokens(ctx)
	if err != nil {
		return err
	}
	if !has {
		return errors.New("no stored session; run login first")
	}

	ensure := runPhase(*ops, *concurrency, func() error {
		_, err := c.Tokens().EnsureValidToken(ctx)
		return err
	})
	refresh := runPhase(*ops, *concurrency, func() error {
		_, err := c.Tokens().RefreshToken(ctx)
		return err
	})

	snap := c.MetricsSnapshot()
	fmt.Println("---- results ----")
	printStats("ensure", ensure)
	printStats("refresh", refresh)
	fmt.Printf("network refreshes: success=%d failure=%d\n",
		snap.Counters[authclient.MetricRefreshSuccess],
		snap.Counters[authclient.MetricRefreshFailure],
	)
	logger.Debug("refresh storm finished", zap.Int("ops", *ops), zap.Int("concurrency", *concurrency))
	return nil
}

func runPhase(ops, concurrency int, fn func() error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := fn()
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func runMetrics(ctx context.Context, c *authclient.Client, format string) error {
	switch format {
	case "prom":
		fmt.Print(promexport.NewPrometheusExporter(c).Render())
		return nil
	case "otel":
		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = provider.Shutdown(context.Background()) }()

		exp, err := otelexport.NewOTelExporter(provider.Meter("authclient"), c)
		if err != nil {
			return err
		}
		defer exp.Close()

		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			return err
		}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				printOTelMetric(m)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown metrics format %q", format)
	}
}

func printOTelMetric(m metricdata.Metrics) {
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, p := range data.DataPoints {
			fmt.Printf("%s%s %d\n", m.Name, otelLabels(p.Attributes), p.Value)
		}
	case metricdata.Gauge[int64]:
		for _, p := range data.DataPoints {
			fmt.Printf("%s%s %d\n", m.Name, otelLabels(p.Attributes), p.Value)
		}
	case metricdata.Gauge[float64]:
		for _, p := range data.DataPoints {
			fmt.Printf("%s%s %g\n", m.Name, otelLabels(p.Attributes), p.Value)
		}
	}
}

func otelLabels(set attribute.Set) string {
	if set.Len() == 0 {
		return ""
	}
	return "{" + set.Encoded(attribute.DefaultEncoder()) + "}"
}
