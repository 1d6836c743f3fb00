package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	stdconsul "github.com/hashicorp/consul/api"
	"github.com/nats-io/nats.go"
	"github.com/oklog/run"
	stdopentracing "github.com/opentracing/opentracing-go"
	zipkinot "github.com/openzipkin-contrib/zipkin-go-opentracing"
	"github.com/openzipkin/zipkin-go"
	zipkinhttp "github.com/openzipkin/zipkin-go/reporter/http"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-kit/kit/ratelimit"

	"github.com/go-kit/rollout/cache"
	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/flagendpoint"
	"github.com/go-kit/rollout/flagservice"
	"github.com/go-kit/rollout/flagtransport"
	"github.com/go-kit/rollout/pubsub"
	natspubsub "github.com/go-kit/rollout/pubsub/nats"
	"github.com/go-kit/rollout/store/consul"
	"github.com/go-kit/rollout/store/etcd"
	"github.com/go-kit/rollout/store/inmem"
	"github.com/go-kit/rollout/store/postgres"
	"github.com/go-kit/rollout/store/redis"
	"github.com/go-kit/rollout/store/storetrace"
)

type serveOptions struct {
	httpAddr    string
	logLevel    string
	storeKind   string
	storeAddr   string
	storePrefix string
	natsURL     string
	natsSubject string
	cacheTTL    time.Duration
	cacheFill   time.Duration
	maxRetries  int
	retryBase   time.Duration
	retryMax    time.Duration
	mutationQPS float64
	zipkinURL   string
}

func (o *serveOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.httpAddr, "http-addr", ":8080", "HTTP listen address")
	fs.StringVar(&o.logLevel, "log-level", "info", "Lowest level logged: debug, info, warn or error")
	fs.StringVar(&o.storeKind, "store", "memory", "Flag store backend: memory, etcd, consul, redis or postgres")
	fs.StringVar(&o.storeAddr, "store-addr", "", "Store address; comma separated for etcd and redis, a DSN for postgres")
	fs.StringVar(&o.storePrefix, "store-prefix", "", "Key prefix for etcd, consul and redis (backend default if empty)")
	fs.StringVar(&o.natsURL, "nats-url", "", "NATS server for cross-replica change events (in-process only if empty)")
	fs.StringVar(&o.natsSubject, "nats-subject", natspubsub.DefaultSubject, "NATS subject for change events")
	fs.DurationVar(&o.cacheTTL, "cache-ttl", cache.DefaultTTL, "Longest time a cached flag is served without reading the store")
	fs.DurationVar(&o.cacheFill, "cache-fill-timeout", cache.DefaultFillTimeout, "Longest store read made to fill the cache")
	fs.IntVar(&o.maxRetries, "max-retries", flagservice.DefaultMaxRetries, "Retries of a mutation that loses a version race")
	fs.DurationVar(&o.retryBase, "retry-backoff", 10*time.Millisecond, "Initial backoff between mutation retries")
	fs.DurationVar(&o.retryMax, "retry-backoff-max", 500*time.Millisecond, "Largest backoff between mutation retries")
	fs.Float64Var(&o.mutationQPS, "mutation-qps", 50, "Admin mutations allowed per second (0 disables limiting)")
	fs.StringVar(&o.zipkinURL, "zipkin-url", "", "Zipkin collector URL, e.g. http://localhost:9411/api/v2/spans")
}

func serveCommand() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the flag administration and evaluation API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(o)
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func newLogger(lvl string) (log.Logger, error) {
	var allow level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	var logger log.Logger
	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(logger, allow), nil
}

func serve(o *serveOptions) error {
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}

	// Tracing: Zipkin when configured, otherwise whatever is global (a noop
	// tracer unless a test or embedder set one).
	var tracer stdopentracing.Tracer
	if o.zipkinURL != "" {
		reporter := zipkinhttp.NewReporter(o.zipkinURL)
		defer reporter.Close()
		zEP, _ := zipkin.NewEndpoint("flagsvc", "localhost:80")
		zipkinTracer, err := zipkin.NewTracer(reporter, zipkin.WithLocalEndpoint(zEP))
		if err != nil {
			return err
		}
		level.Info(logger).Log("tracer", "Zipkin", "URL", o.zipkinURL)
		tracer = zipkinot.Wrap(zipkinTracer)
	} else {
		tracer = stdopentracing.GlobalTracer()
	}

	var (
		evaluations = kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rollout",
			Subsystem: "flagsvc",
			Name:      "evaluations_total",
			Help:      "Flag evaluations by flag, value and reason.",
		}, []string{"flag", "value", "reason"})
		mutations = kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rollout",
			Subsystem: "flagsvc",
			Name:      "mutations_total",
			Help:      "Administrative operations by method and outcome.",
		}, []string{"method", "success"})
		duration = kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
			Namespace: "rollout",
			Subsystem: "flagsvc",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
		}, []string{"method", "success"})
		cacheHits = kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rollout",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Flag reads served from the cache.",
		}, []string{})
		cacheMisses = kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rollout",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Flag reads that went to the store.",
		}, []string{})
	)

	store, closeStore, err := openStore(o, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	store = storetrace.New(store, tracer, o.storeKind)

	var (
		publisher  pubsub.Publisher
		subscriber pubsub.Subscriber
	)
	if o.natsURL != "" {
		conn, err := nats.Connect(o.natsURL, nats.Name("flagsvc"))
		if err != nil {
			return err
		}
		defer conn.Close()
		sub, err := natspubsub.NewSubscriber(conn, o.natsSubject, log.With(logger, "component", "nats"))
		if err != nil {
			return err
		}
		publisher, subscriber = natspubsub.NewPublisher(conn, o.natsSubject), sub
	} else {
		b := pubsub.NewBroadcaster(64)
		defer b.Stop()
		publisher, subscriber = b, b.Subscribe()
	}

	flagCache := cache.New(store, cache.TTL(o.cacheTTL), cache.FillTimeout(o.cacheFill), cache.Counters(cacheHits, cacheMisses))

	var service flagservice.Service
	service = flagservice.New(store,
		flagservice.WithCache(flagCache),
		flagservice.WithPublisher(publisher),
		flagservice.WithMaxRetries(o.maxRetries),
		flagservice.WithBackoff(o.retryBase, o.retryMax),
		flagservice.WithLogger(log.With(logger, "component", "flagservice")),
	)
	service = flagservice.LoggingMiddleware(logger)(service)
	service = flagservice.InstrumentingMiddleware(evaluations, mutations)(service)

	var limiter ratelimit.Allower
	if o.mutationQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.mutationQPS), int(o.mutationQPS)+1)
	}
	endpoints := flagendpoint.New(service, logger, duration, tracer, limiter)
	handler := flagtransport.NewHTTPHandler(endpoints, tracer, logger)

	var g run.Group
	{
		ln, err := net.Listen("tcp", o.httpAddr)
		if err != nil {
			return err
		}
		g.Add(func() error {
			level.Info(logger).Log("transport", "HTTP", "addr", o.httpAddr)
			return http.Serve(ln, handler)
		}, func(error) {
			ln.Close()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return flagCache.Watch(ctx, subscriber)
		}, func(error) {
			cancel()
			subscriber.Stop()
		})
	}
	{
		cancelInterrupt := make(chan struct{})
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-c:
				return fmt.Errorf("received signal %s", sig)
			case <-cancelInterrupt:
				return nil
			}
		}, func(error) {
			close(cancelInterrupt)
		})
	}
	err = g.Run()
	level.Info(logger).Log("exit", err)
	return nil
}

// openStore builds the configured flag store and a func releasing it.
func openStore(o *serveOptions, logger log.Logger) (feature.Store, func(), error) {
	noop := func() {}
	switch o.storeKind {
	case "memory":
		return inmem.New(), noop, nil

	case "etcd":
		client, err := etcd.NewClient(splitAddrs(o.storeAddr, "localhost:2379"), etcd.ClientOptions{})
		if err != nil {
			return nil, nil, err
		}
		return etcd.New(client, o.storePrefix), func() { client.Close() }, nil

	case "consul":
		config := stdconsul.DefaultConfig()
		if o.storeAddr != "" {
			config.Address = o.storeAddr
		}
		client, err := stdconsul.NewClient(config)
		if err != nil {
			return nil, nil, err
		}
		return consul.New(consul.NewClient(client), o.storePrefix), noop, nil

	case "redis":
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs: splitAddrs(o.storeAddr, "localhost:6379"),
		})
		return redis.New(client, o.storePrefix), func() { client.Close() }, nil

	case "postgres":
		db, err := postgres.Open(o.storeAddr, log.With(logger, "component", "postgres"))
		if err != nil {
			return nil, nil, err
		}
		s, err := migrate(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", o.storeKind)
}

func migrate(db *sql.DB) (*postgres.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := postgres.New(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func splitAddrs(addrs, fallback string) []string {
	if addrs == "" {
		return []string{fallback}
	}
	return strings.Split(addrs, ",")
}
