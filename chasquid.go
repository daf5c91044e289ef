// empathd is a relay-only SMTP mail transfer agent: it accepts mail over
// SMTP, spools it durably, and drives outbound delivery through a
// rate-limited, circuit-breaker-guarded pipeline with DSN generation on
// failure.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/breaker"
	"github.com/Pyxxilated-Studios/empath/internal/config"
	"github.com/Pyxxilated-Studios/empath/internal/delivery"
	"github.com/Pyxxilated-Studios/empath/internal/dnsresolver"
	"github.com/Pyxxilated-Studios/empath/internal/dsn"
	"github.com/Pyxxilated-Studios/empath/internal/log"
	"github.com/Pyxxilated-Studios/empath/internal/maillog"
	"github.com/Pyxxilated-Studios/empath/internal/policy"
	"github.com/Pyxxilated-Studios/empath/internal/ratelimit"
	"github.com/Pyxxilated-Studios/empath/internal/smtpsrv"
	"github.com/Pyxxilated-Studios/empath/internal/spool"
	"github.com/Pyxxilated-Studios/empath/internal/systemd"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/empathd",
		"configuration directory")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (in TOML format)")
	showVer = flag.Bool("version", false, "show version and exit")
)

// Build information, overridden at build time using
// -ldflags="-X main.version=blah".
var version = "undefined"

var (
	versionVar   = expvar.NewString("empathd/version")
	queueSizeVar = expvar.NewInt("empathd/queueSize")
)

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("empathd %s\n", version)
		return
	}

	log.Infof("empathd starting (version %s)", version)
	versionVar.Set(version)
	rand.Seed(time.Now().UnixNano())

	conf, err := config.Load(*configDir+"/empathd.conf", *configOverrides)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	config.LogConfig(conf)

	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("error changing to config dir %q: %v", *configDir, err)
	}

	initMailLog(conf.DataDir + "/maillog")
	go signalHandler()

	spl, err := spool.NewFile(conf.DataDir + "/spool")
	if err != nil {
		log.Fatalf("error initializing spool: %v", err)
	}

	srv := smtpsrv.NewServer(spl)
	srv.Hostname = conf.Hostname
	srv.Banner = conf.Receiver.Banner
	srv.MaxMessageSize = conf.Receiver.MaxMessageSize
	srv.Timeouts = smtpsrv.Timeouts{
		Command:         time.Duration(conf.Receiver.Timeouts.CommandSecs) * time.Second,
		DataInit:        time.Duration(conf.Receiver.Timeouts.DataInitSecs) * time.Second,
		DataBlock:       time.Duration(conf.Receiver.Timeouts.DataBlockSecs) * time.Second,
		DataTermination: time.Duration(conf.Receiver.Timeouts.DataTerminationSecs) * time.Second,
		Connection:      time.Duration(conf.Receiver.Timeouts.ConnectionSecs) * time.Second,
	}
	srv.AddAddr(conf.Receiver.BindAddress)

	if conf.Receiver.TLS.CertificatePath != "" {
		if err := srv.AddCerts(conf.Receiver.TLS.CertificatePath, conf.Receiver.TLS.KeyPath); err != nil {
			log.Fatalf("error loading TLS certificate: %v", err)
		}
	}

	policies := policy.NewRegistry()
	for name, ov := range conf.Domains {
		policies.Insert(name, policy.Domain{
			MxOverride:         ov.MxOverride,
			RequireTLS:         ov.RequireTLS,
			AcceptInvalidCerts: ov.AcceptInvalidCerts,
			MaxConnections:     ov.MaxConnections,
			RateLimit:          ov.RateLimit,
		})
	}

	rlOverrides := map[string]ratelimit.DomainConfig{}
	for name, ov := range conf.RateLimit.Overrides {
		if ov.RateLimit != nil {
			rlOverrides[name] = ratelimit.DomainConfig{Rate: float64(*ov.RateLimit), Burst: conf.RateLimit.BurstSize}
		}
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRate:  conf.RateLimit.MessagesPerSecond,
		DefaultBurst: conf.RateLimit.BurstSize,
		Overrides:    rlOverrides,
	})

	brk := breaker.New(breaker.Config{
		FailureThreshold: conf.CircuitBreaker.FailureThreshold,
		FailureWindow:    time.Duration(conf.CircuitBreaker.FailureWindowSecs) * time.Second,
		OpenTimeout:      time.Duration(conf.CircuitBreaker.TimeoutSecs) * time.Second,
		SuccessThreshold: conf.CircuitBreaker.SuccessThreshold,
	})

	resolver := dnsresolver.New(dnsresolver.Config{
		MinTTL:  time.Duration(conf.DNS.MinCacheTTLSecs) * time.Second,
		MaxTTL:  time.Duration(conf.DNS.MaxCacheTTLSecs) * time.Second,
		Timeout: time.Duration(conf.DNS.TimeoutSecs) * time.Second,
	})

	queue := delivery.NewQueue()

	pipeline := &delivery.Pipeline{
		Queue:       queue,
		Spool:       spl,
		Resolver:    resolver,
		RateLimiter: limiter,
		Breaker:     brk,
		Policies:    policies,
		DSN: dsn.Config{
			Enabled:      conf.DSN.Enabled,
			ReportingMTA: conf.Hostname,
			Postmaster:   conf.DSN.Postmaster,
		},
		Retry: delivery.RetryPolicy{
			BaseDelay:    time.Duration(conf.Delivery.BaseRetryDelaySecs) * time.Second,
			MaxDelay:     time.Duration(conf.Delivery.MaxRetryDelaySecs) * time.Second,
			JitterFactor: conf.Delivery.RetryJitterFactor,
			MaxAttempts:  conf.Delivery.MaxAttempts,
		},
		HelloDomain: conf.Hostname,
	}

	processor := &delivery.Processor{
		Config: delivery.ProcessorConfig{
			ScanInterval:      conf.ScanInterval(),
			ProcessInterval:   conf.ProcessInterval(),
			MessageExpiration: time.Duration(conf.Delivery.MessageExpirationSecs) * time.Second,
			FrozenMarkerPath:  conf.DataDir + "/queue_frozen",
			ShutdownGrace:     30 * time.Second,
		},
		Queue:    queue,
		Spool:    spl,
		Pipeline: pipeline,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go watchQueueSize(ctx, queue)
	go func() {
		if err := processor.Run(ctx); err != nil {
			log.Errorf("delivery processor exited: %v", err)
		}
	}()

	// Prefer systemd socket activation, if a listener was handed to us.
	var smtpListener net.Listener
	if ls, err := systemd.Listeners(); err == nil {
		if smtpLs := ls["smtp"]; len(smtpLs) > 0 {
			log.Infof("using systemd-provided listener for smtp")
			smtpListener = smtpLs[0]
		}
	}

	maillog.Listening(conf.Receiver.BindAddress)

	errc := make(chan error, 1)
	if smtpListener != nil {
		go func() { errc <- srv.Serve(smtpListener) }()
	} else {
		go func() { errc <- srv.ListenAndServe() }()
	}

	select {
	case err := <-errc:
		log.Fatalf("smtp receiver exited: %v", err)
	case <-waitForShutdown():
		log.Infof("shutting down")
		cancel()
	}
}

func waitForShutdown() <-chan struct{} {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		<-c
		close(done)
	}()
	return done
}

func watchQueueSize(ctx context.Context, q *delivery.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queueSizeVar.Set(int64(len(q.All())))
		}
	}
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("error opening mail log: %v", err)
	}
}

// signalHandler watches for SIGHUP and reopens the log files, for use with
// external log rotation.
func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("error reopening log: %v", err)
			}
			if err := maillog.Default.Reopen(); err != nil {
				log.Errorf("error reopening maillog: %v", err)
			}
		default:
			log.Errorf("unexpected signal %v", sig)
		}
	}
}
