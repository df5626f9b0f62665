package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	tracemon "github.com/traceforge/tracemon-go"
)

func main() {
	var (
		freqInterval = flag.Duration("freq-interval", 1*time.Second, "frequency sampling interval (e.g., 500ms, 1s)")
		wsInterval   = flag.Duration("ws-interval", 1*time.Second, "working-set sampling interval")
		filter       = flag.String("filter", tracemon.FilterAll, "process filter: '*' or ';'-separated image names")
		metricsAddr  = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g., :9090)")
		jsonOutput   = flag.Bool("json", false, "log events in JSON format")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
		noFrequency  = flag.Bool("no-frequency", false, "disable the per-core frequency sampler")
		noWorkingSet = flag.Bool("no-working-set", false, "disable the working-set sampler")
		help         = flag.Bool("help", false, "show help message")
	)

	flag.Parse()

	if *help {
		fmt.Println("tracemon CLI tool")
		fmt.Println("Usage: sudo ./tracemon [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flag.PrintDefaults()
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *jsonOutput {
		log.SetFormatter(&log.JSONFormatter{})
	}

	var emitter tracemon.TraceEmitter = tracemon.NewLogEmitter()
	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		emitter = tracemon.NewMultiEmitter(emitter, tracemon.NewPrometheusEmitter(registry))
		go func() {
			handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(*metricsAddr, handler); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving Prometheus metrics")
	}

	cfg := tracemon.Config{
		FrequencyInterval:  *freqInterval,
		WorkingSetInterval: *wsInterval,
		ProcessFilter:      *filter,
	}

	var closers []func()

	if !*noFrequency {
		freq, err := tracemon.NewFrequencySampler(cfg, emitter)
		if err != nil {
			log.WithError(err).Fatal("starting frequency sampler")
		}
		closers = append(closers, freq.Close)
	}

	if !*noWorkingSet {
		ws, err := tracemon.NewWorkingSetSampler(cfg, emitter)
		if err != nil {
			log.WithError(err).Fatal("starting working-set sampler")
		}
		closers = append(closers, ws.Close)
	}

	if len(closers) == 0 {
		log.Fatal("both samplers disabled, nothing to do")
	}

	// Wait for a shutdown signal, then stop both samplers.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received signal, stopping")

	for _, stop := range closers {
		stop()
	}
}
