package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-authgate/mobileid-cli/apiclient"
	"github.com/go-authgate/mobileid-cli/credentials"
	"github.com/go-authgate/mobileid-cli/tui"
	"github.com/go-authgate/mobileid-cli/wakeup"
)

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging sends zerolog output to stderr. Logging is off unless debug
// is set, since the TUI also renders to stderr.
func setupLogging(debug bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if debug || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// runUI runs fn with a displayer: the BubbleTea program when stderr is a
// terminal and allowTUI is set, plain text otherwise. Errors returned by fn
// are shown through the displayer.
func runUI(allowTUI bool, fn func(ctx context.Context, d tui.Displayer) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !allowTUI || !isTTY() {
		d := tui.NewPlainDisplayer(os.Stderr)
		err := fn(ctx, d)
		if err != nil {
			d.Fatal(err)
		}
		return err
	}

	// Run TUI program on stderr so stdout pipes are not corrupted.
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries. Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	err := fn(ctx, d)
	if err != nil {
		d.Fatal(err)
	}
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return err
}

// app is one configured client with its poller and credential store.
type app struct {
	cfg       *config
	client    *apiclient.Client
	poller    *wakeup.Poller
	store     *credentials.Store
	registry  *prometheus.Registry
	metrics   *apiclient.Metrics
	storeDesc string
	closeFn   func() error

	signedOut atomic.Bool
}

// newApp wires the credential store, the wakeup poller and the client, and
// routes their events to d.
func newApp(ctx context.Context, cfg *config, d tui.Displayer) (*app, error) {
	persister, desc, closeFn, err := openPersister(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		registry:  prometheus.NewRegistry(),
		storeDesc: desc,
		closeFn:   closeFn,
	}
	a.metrics = apiclient.NewMetrics(a.registry)
	a.store = credentials.NewStore(
		credentials.WithPersister(persister),
		credentials.WithLogger(log.Logger),
	)

	if err := a.store.Load(ctx); err != nil {
		log.Warn().Err(err).Str("store", desc).Msg("Failed to load stored credentials")
	}
	if a.store.Get() != nil {
		d.CredentialsLoaded(desc)
	} else {
		d.CredentialsMissing()
	}

	prober := &wakeup.HTTPProber{
		Client: &http.Client{},
		URL:    cfg.ServerURL + cfg.HealthPath,
	}
	// The reload hook runs after the client exists; the poller only fires it
	// once a probe succeeds.
	a.poller = wakeup.NewPoller(prober,
		wakeup.WithLogger(log.Logger),
		wakeup.WithReload(func() { a.client.Reload() }),
	)
	a.poller.Subscribe(a.metrics.ObserveWakeup)
	a.poller.Subscribe(d.Wakeup)

	a.client, err = apiclient.New(cfg.ServerURL,
		apiclient.WithStore(a.store),
		apiclient.WithWaker(a.poller),
		apiclient.WithLogger(log.Logger),
		apiclient.WithMetrics(a.metrics),
		apiclient.WithRequestTimeout(cfg.RequestTimeout),
		apiclient.WithFailOpen(cfg.FailOpen),
		apiclient.WithReauthenticate(func() { a.signedOut.Store(true) }),
		apiclient.WithEventHandler(eventRouter(d)),
	)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

// openPersister returns the configured backend, a description for display,
// and its close function.
func openPersister(cfg *config) (credentials.Persister, string, func() error, error) {
	switch cfg.TokenStore {
	case storeSQLite:
		s, err := credentials.OpenSQLStore(cfg.TokenFile, cfg.ClientID)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open credential database: %w", err)
		}
		return s, "sqlite:" + cfg.TokenFile, s.Close, nil
	default:
		s := credentials.NewFileStore(cfg.TokenFile, cfg.ClientID)
		return s, s.Path(), func() error { return nil }, nil
	}
}

func eventRouter(d tui.Displayer) func(apiclient.Event) {
	return func(e apiclient.Event) {
		switch e.Kind {
		case apiclient.EventAuthRejected:
			d.AuthRejected(e.Endpoint)
		case apiclient.EventRetrying:
			d.Retrying(e.Endpoint)
		case apiclient.EventRefreshed:
			d.Refreshed()
		case apiclient.EventSignedOut:
			d.SignedOut()
		case apiclient.EventServerUnavailable:
			d.ServerUnavailable(e.Endpoint)
		}
	}
}

// close stops the poller and releases the credential backend.
func (a *app) close() error {
	if a.poller != nil {
		a.poller.Reset()
	}
	logMetrics(a.registry)
	if a.closeFn != nil {
		return a.closeFn()
	}
	return nil
}

// logMetrics writes the collected counters at debug level.
func logMetrics(reg prometheus.Gatherer) {
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		return
	}
	families, err := reg.Gather()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to gather metrics")
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			ev := log.Debug().Str("metric", mf.GetName())
			for _, lp := range m.GetLabel() {
				ev = ev.Str(lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				ev = ev.Float64("value", m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				ev = ev.Float64("value", m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				ev = ev.Uint64("count", m.GetHistogram().GetSampleCount()).
					Float64("sum", m.GetHistogram().GetSampleSum())
			}
			ev.Msg("Metric")
		}
	}
}
