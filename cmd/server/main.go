package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"regioncore.dev/internal/interregion/natsbus"
	"regioncore.dev/internal/persistence/indexdb"
	persistlog "regioncore.dev/internal/persistence/log"
	"regioncore.dev/internal/sim/region"
	"regioncore.dev/internal/sim/tuning"
	"regioncore.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		regionName = flag.String("region", "region_1", "region name")
		gridX      = flag.Uint("grid_x", 256000, "region grid x (metres)")
		gridY      = flag.Uint("grid_y", 256000, "region grid y (metres)")
		sizeX      = flag.Float64("size_x", 256, "region width (metres)")
		sizeY      = flag.Float64("size_y", 256, "region depth (metres)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (defaults apply when missing)")
		natsURL    = flag.String("nats", "", "inter-region bus url (empty: embedded server)")
		legacySit  = flag.Bool("legacy_sit", false, "use the legacy sit-offset formula")
		strictLand = flag.Bool("strict_landing", false, "use the strict landing policy")
		disableDB  = flag.Bool("disable_db", false, "disable the transit audit index")
		pprofOn    = flag.Bool("pprof", false, "expose net/http/pprof")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tun := tuning.Default()
	if tp := strings.TrimSpace(*tuningPath); tp != "" {
		var err error
		tun, err = tuning.Load(tp)
		if err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	regionDir := filepath.Join(*dataDir, "regions", *regionName)
	_ = os.MkdirAll(regionDir, 0o755)

	journal := persistlog.NewPresenceJournal(regionDir)
	defer journal.Close()

	var audit *indexdb.SQLiteIndex
	if !*disableDB {
		var err error
		audit, err = indexdb.OpenSQLite(filepath.Join(regionDir, "index", "transits.db"))
		if err != nil {
			logger.Fatalf("open audit index: %v", err)
		}
		defer audit.Close()
	}

	// Inter-region bus: external broker when given, embedded otherwise.
	var nc *nats.Conn
	if url := strings.TrimSpace(*natsURL); url != "" {
		var err error
		nc, err = nats.Connect(url)
		if err != nil {
			logger.Fatalf("connect bus: %v", err)
		}
	} else {
		es, err := natsbus.NewEmbeddedServer()
		if err != nil {
			logger.Fatalf("embedded bus: %v", err)
		}
		if err := es.Start(); err != nil {
			logger.Fatalf("start embedded bus: %v", err)
		}
		defer es.Shutdown()
		nc, err = es.Connect()
		if err != nil {
			logger.Fatalf("connect embedded bus: %v", err)
		}
		logger.Printf("embedded bus at %s", es.ClientURL())
	}
	defer nc.Close()

	bus := natsbus.New(nc, logger)

	cfg := region.RegionConfig{
		Handle:           region.HandleFromMeters(uint32(*gridX), uint32(*gridY)),
		Name:             *regionName,
		SizeX:            *sizeX,
		SizeY:            *sizeY,
		LegacySitOffsets: *legacySit,
		SessionToken:     uuid.NewString(),
	}
	if *strictLand {
		cfg.LandingPolicy = region.LandingStrict
	}

	var regionJournal region.Journal = journal
	if audit != nil {
		regionJournal = &auditedJournal{journal: journal, audit: audit, handle: uint64(cfg.Handle)}
	}

	r := region.New(cfg, tun, region.Deps{
		Transfer: bus,
		Grid:     bus,
		Journal:  regionJournal,
		Log:      logger,
	})
	if err := bus.Serve(r); err != nil {
		logger.Fatalf("bus serve: %v", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatalf("region run: %v", err)
		}
	}()

	mux := http.NewServeMux()
	wsServer := ws.NewServer(r, logger)
	mux.HandleFunc("/v1/ws", wsServer.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if *pprofOn {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	}

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		r.Stop()
	}()

	logger.Printf("region %s (%dx%d) listening on %s", *regionName, int(*sizeX), int(*sizeY), *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http: %v", err)
	}
	logger.Printf("exiting")
}
