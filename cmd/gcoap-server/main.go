// Command gcoap-server runs a standalone CoAP endpoint exposing a couple of
// demonstration resources, one of which supports Observe. It follows the
// same Config-struct-plus-defaults and signal-driven shutdown shape as the
// proxy command this module grew out of.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kb2ma-retrocoap/gcoap"
)

// serverConfig collects the flags/config-file values this command accepts,
// layered over gcoap.DefaultConfig the way cmd/proxy's Config embeds its own
// defaults.
type serverConfig struct {
	gcoap.Config
	MetricsAddr string
	LogLevel    string
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Config:      gcoap.DefaultConfig(),
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

func main() {
	cfg := defaultServerConfig()

	root := &cobra.Command{
		Use:   "gcoap-server",
		Short: "Run a demonstration CoAP/Observe endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	root.Flags().IntVar(&cfg.Port, "port", cfg.Port, "UDP port to listen on")
	root.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level (debug, info, warn, error)")
	root.Flags().IntVar(&cfg.MaxRetransmit, "max-retransmit", cfg.MaxRetransmit, "confirmable message retry count")

	viper.SetEnvPrefix("GCOAP")
	viper.AutomaticEnv()
	if cfgFile := os.Getenv("GCOAP_CONFIG"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			logrus.WithError(err).Fatal("reading config file")
		}
		if viper.IsSet("port") {
			cfg.Port = viper.GetInt("port")
		}
	}

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("gcoap-server exiting")
	}
}

func run(cfg serverConfig) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "gcoap-server")

	reg := prometheus.NewRegistry()
	metrics := gcoap.NewMetrics(reg, "gcoap_server")

	transport, err := gcoap.ListenUDP(":" + strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}

	engine := gcoap.New(cfg.Config, transport, gcoap.WithLogger(log), gcoap.WithMetrics(metrics))
	registerDemoResources(engine, log)
	engine.RegisterWellKnownCore()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	// The metrics HTTP server and the engine's event loop are the two
	// long-running goroutines this command owns; errgroup ties their
	// lifetimes together so a failure in either tears down both instead
	// of leaking the other.
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return metricsSrv.Close()
	})
	group.Go(func() error {
		log.WithField("port", cfg.Port).Info("gcoap-server listening")
		if err := engine.Run(groupCtx); err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("engine stopped: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	return nil
}

// registerDemoResources wires up a clock resource and an observable
// counter resource, the latter driven by a background ticker that calls
// Engine.ObsSend whenever its value changes.
func registerDemoResources(engine *gcoap.Engine, log *logrus.Entry) {
	timeResource := gcoap.Resource{
		Path:    "/time",
		Methods: gcoap.MethodGet,
		Handler: func(buf []byte, req *gcoap.Packet, e *gcoap.Engine) (int, error) {
			resp := e.RespInit(req, gcoap.CodeContent)
			payload := []byte(time.Now().UTC().Format(time.RFC3339))
			return resp.Finish(buf, payload)
		},
	}

	// counterResource must keep the identity findResource hands back to
	// the handler -- the address of the Resource inside its owning
	// Listener's slice -- so the address captured here for the ticker's
	// ObsSend calls below matches what ObsInit/ObsSend compare against.
	listener := &gcoap.Listener{
		Resources: []gcoap.Resource{
			timeResource,
			{Path: "/obs/counter", Methods: gcoap.MethodGet},
		},
	}
	counterResource := &listener.Resources[1]
	counter := &counterState{}
	counterResource.Handler = func(buf []byte, req *gcoap.Packet, e *gcoap.Engine) (int, error) {
		resp := e.RespInit(req, gcoap.CodeContent)
		if req.HasObserve && req.Observe == 0 {
			// The registration response doubles as the first
			// notification, per RFC 7641 section 3.1: echo the Observe
			// option rather than build a separate out-of-band packet.
			resp.HasObserve = true
			resp.Observe = e.ObsCounter(counterResource)
		}
		return resp.Finish(buf, []byte(strconv.Itoa(counter.get())))
	}

	engine.RegisterListener(listener)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			v := counter.increment()
			// Every fourth tick asks for a confirmable notification, so
			// an observer's ACK (or a dropped notification's retransmits)
			// gets exercised alongside the usual non-confirmable pushes.
			typ := gcoap.TypeNonConfirmable
			if v%4 == 0 {
				typ = gcoap.TypeConfirmable
			}
			if err := engine.ObsSend(counterResource, []byte(strconv.Itoa(v)), gcoap.ContentFormatNone, typ); err != nil {
				log.WithError(err).Debug("no observers for /obs/counter")
			}
		}
	}()
}

type counterState struct {
	v int
}

func (c *counterState) get() int { return c.v }
func (c *counterState) increment() int {
	c.v++
	return c.v
}
