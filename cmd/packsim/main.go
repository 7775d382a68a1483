package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"packsim/internal/api"
	"packsim/internal/ensemble"
	"packsim/internal/fault"
	"packsim/internal/sim"
	"packsim/internal/store"
	"packsim/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML session config (overrides individual flags)")
	port := flag.String("port", "", "serial device, e.g. /dev/ttyUSB0")
	tcpAddr := flag.String("tcp", "", "TCP bridge address instead of a serial port")
	protocol := flag.String("protocol", "xbb", "wire protocol: xbb or mcu")
	rateHz := flag.Float64("rate", 10, "telemetry rate in Hz")
	durationSec := flag.Float64("duration", 0, "simulated seconds to run, 0 runs until interrupted")
	currentMA := flag.Float64("current", 0, "constant command current in mA, discharge positive")
	profilePath := flag.String("profile", "", "YAML current profile, overrides -current")
	socPct := flag.Float64("soc", 50, "initial state of charge in percent")
	ambientC := flag.Float64("ambient", 32, "ambient temperature in C")
	seed := flag.Int64("seed", 42, "random seed for cell lot spread and fault sampling")
	scenarioPath := flag.String("scenario", "", "YAML fault scenario")
	bidirectional := flag.Bool("bidirectional", false, "exchange frames with the BMS instead of streaming")
	stale := flag.String("stale", "hold", "current gate policy on stale BMS responses: hold or open")
	printTicks := flag.Bool("print", false, "print a telemetry line once per simulated second")

	listenAddr := flag.String("listen", "", "HTTP listen address for the control API, empty disables")
	dbPath := flag.String("db", "", "SQLite path for session recording, empty disables")
	redisAddr := flag.String("redis", "", "Redis address for telemetry mirroring, empty disables")

	runs := flag.Int("runs", 0, "Monte Carlo mode: number of runs (requires -duration)")
	workers := flag.Int("workers", 4, "Monte Carlo parallelism")
	baseSeed := flag.Int64("base-seed", 1000, "Monte Carlo base seed, run i uses base+i")
	csvOut := flag.String("csv", "", "Monte Carlo per-run CSV output path")
	histPrefix := flag.String("hist", "", "Monte Carlo histogram PNG prefix, empty disables plots")
	flag.Parse()

	var cfg sim.Config
	if *configPath != "" {
		loaded, err := sim.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = *loaded
	} else {
		cfg = sim.Config{
			Port:          *port,
			TCPAddr:       *tcpAddr,
			Protocol:      *protocol,
			RateHz:        *rateHz,
			DurationSec:   *durationSec,
			Realtime:      *port != "" || *tcpAddr != "",
			CurrentMA:     *currentMA,
			ProfilePath:   *profilePath,
			InitialSOCPct: *socPct,
			AmbientC:      *ambientC,
			Seed:          *seed,
			Bidirectional: *bidirectional,
			StaleFallback: sim.StalePolicy(*stale),
			ScenarioPath:  *scenarioPath,
		}
	}

	if *runs > 0 {
		runEnsemble(cfg, *runs, *workers, *baseSeed, *csvOut, *histPrefix)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ch transport.Channel
	var err error
	switch {
	case cfg.Port != "":
		ch, err = transport.OpenSerial(cfg.Port)
	case cfg.TCPAddr != "":
		ch, err = transport.Dial(cfg.TCPAddr)
	}
	if err != nil {
		log.Fatalf("opening BMS link: %v", err)
	}
	if ch != nil {
		defer ch.Close()
	}

	runner, err := sim.NewRunner(cfg, ch)
	if err != nil {
		log.Fatalf("configuring session: %v", err)
	}

	if *printTicks {
		lastPrinted := -1.0
		runner.OnTick(func(snap sim.Snapshot) {
			if snap.TimeSec-lastPrinted < 1.0 {
				return
			}
			lastPrinted = snap.TimeSec
			fmt.Printf("t=%7.1fs  pack=%5dmV  I=%6dmA  soc=%5.1f%%  imb=%3dmV  gated=%t  faults=%d active\n",
				snap.TimeSec, snap.Pack.PackVoltageMV, snap.Pack.PackCurrentMA,
				snap.Pack.PackSOCPct, snap.Pack.ImbalanceMV, snap.Gated, snap.Faults.Active)
		})
	}

	sessionID := uuid.NewString()
	var db *store.Store
	if *dbPath != "" {
		db, err = store.New(*dbPath)
		if err != nil {
			log.Fatalf("opening database at %s: %v", *dbPath, err)
		}
		defer db.Close()
		if err := db.CreateSession(sessionID, cfg.Protocol, cfg.Seed, *scenarioPath); err != nil {
			log.Fatalf("creating session record: %v", err)
		}
		log.Printf("recording session %s to %s", sessionID, *dbPath)

		runner.OnTick(func(snap sim.Snapshot) {
			if err := db.RecordSample(store.SampleFromSnapshot(sessionID, snap)); err != nil {
				log.Printf("store: recording sample: %v", err)
			}
		})
	}

	var wg sync.WaitGroup

	if *listenAddr != "" {
		hub := api.NewHub()
		hub.AttachRunner(runner)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()

		handler := &api.Handler{Runner: runner, Store: db, Hub: hub}
		mux := http.NewServeMux()
		handler.RegisterRoutes(mux)

		server := &http.Server{Addr: *listenAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("control API listening on %s", *listenAddr)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
		defer server.Close()
	}

	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("connecting to Redis at %s: %v", *redisAddr, err)
		}
		pub := api.NewPublisher(rdb, sessionID)
		pub.Attach(runner)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Run(ctx)
		}()
		log.Printf("mirroring telemetry to Redis stream %s", pub.Stream())
	}

	log.Printf("starting session %s: protocol=%s rate=%.0fHz soc=%.1f%% seed=%d",
		sessionID, cfg.Protocol, cfg.RateHz, cfg.InitialSOCPct, cfg.Seed)

	runErr := runner.Run(ctx)
	summary := runner.Summarize()

	if db != nil {
		recordFaultTimeline(db, sessionID, runner.Engine())
		status := "completed"
		if runErr != nil {
			status = "aborted"
		}
		if err := db.FinishSession(sessionID, status, summary.String()); err != nil {
			log.Printf("store: finishing session: %v", err)
		}
	}

	stop()
	wg.Wait()

	if runErr != nil && runErr != context.Canceled {
		log.Fatalf("session failed: %v", runErr)
	}
	fmt.Println(summary)
}

func recordFaultTimeline(db *store.Store, sessionID string, eng *fault.Engine) {
	for _, in := range eng.Instances() {
		id := in.ID.String()
		if err := db.RecordFaultEvent(sessionID, id, string(in.Type), "injected", in.TriggerTimeSec()); err != nil {
			log.Printf("store: recording fault event: %v", err)
			continue
		}
		if in.State() >= fault.Active {
			db.RecordFaultEvent(sessionID, id, string(in.Type), "activated", in.ActivatedAtSec())
		}
		if in.State() == fault.Expired {
			db.RecordFaultEvent(sessionID, id, string(in.Type), "expired", in.ActivatedAtSec())
		}
	}
}

func runEnsemble(base sim.Config, runs, workers int, baseSeed int64, csvOut, histPrefix string) {
	res, err := ensemble.Run(context.Background(), ensemble.Config{
		Base:     base,
		Runs:     runs,
		Workers:  workers,
		BaseSeed: baseSeed,
	})
	if err != nil {
		log.Fatalf("ensemble: %v", err)
	}

	s := res.Summary
	fmt.Printf("%d runs\n", s.Runs)
	fmt.Printf("  final SOC: %.2f%% +/- %.2f%% (p5 %.2f, p50 %.2f, p95 %.2f)\n",
		s.SOCMeanPct, s.SOCStdPct, s.SOCPercentiles[0], s.SOCPercentiles[1], s.SOCPercentiles[2])
	if s.TriggerMeanSec > 0 {
		fmt.Printf("  first fault trigger: %.1fs +/- %.1fs\n", s.TriggerMeanSec, s.TriggerStdSec)
	}
	fmt.Printf("  max cell temp: %.1fC mean\n", s.MaxTempMeanC)

	if csvOut != "" {
		if err := res.WriteCSV(csvOut); err != nil {
			log.Fatalf("writing %s: %v", csvOut, err)
		}
		fmt.Printf("wrote %s\n", csvOut)
	}
	if histPrefix != "" {
		socPath := histPrefix + "_soc.png"
		if err := res.PlotSOCHistogram(socPath); err != nil {
			log.Fatalf("plotting %s: %v", socPath, err)
		}
		fmt.Printf("wrote %s\n", socPath)
		if len(res.TriggerTimes(0)) > 0 {
			trigPath := histPrefix + "_trigger.png"
			if err := res.PlotTriggerHistogram(0, trigPath); err != nil {
				log.Fatalf("plotting %s: %v", trigPath, err)
			}
			fmt.Printf("wrote %s\n", trigPath)
		}
	}
}
