// Command replay serves recorded sensor readings as paced sliding-window
// streams over server-sent events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sensor.replay/internal/api"
	"github.com/banshee-data/sensor.replay/internal/config"
	"github.com/banshee-data/sensor.replay/internal/db"
	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/memstore"
	"github.com/banshee-data/sensor.replay/internal/stream"
	"github.com/banshee-data/sensor.replay/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Serve a synthetic in-memory dataset instead of the database")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db-path", "sensor_data.db", "Path to the SQLite database")
	configPath  = flag.String("config", "", "Path to a YAML or JSON config file")
	debugListen = flag.String("debug-listen", "", "Serve /debug/ and /metrics on this address instead of -listen")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// devSamples is the length, in seconds, of the synthetic dev dataset.
const devSamples = 3600

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s migrate <command> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s backup [-db-path path] <destination>\n\n", os.Args[0])
	flag.PrintDefaults()
}

func runBackup(dbPath, dest string) error {
	database, err := db.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Backup(context.Background(), dest); err != nil {
		return err
	}
	log.Printf("backed up %s to %s", dbPath, dest)
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		path := fs.String("db-path", "sensor_data.db", "Path to the SQLite database")
		fs.Usage = func() { db.PrintMigrateHelp(os.Stderr) }
		_ = fs.Parse(os.Args[2:])
		if err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "backup" {
		fs := flag.NewFlagSet("backup", flag.ExitOnError)
		path := fs.String("db-path", "sensor_data.db", "Path to the SQLite database")
		_ = fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			log.Fatalf("usage: %s backup [-db-path path] <destination>", os.Args[0])
		}
		if err := runBackup(*path, fs.Arg(0)); err != nil {
			log.Fatalf("backup: %v", err)
		}
		return
	}

	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("replay %s: window=%s increment=%s tick=%s", version.Get(), cfg.WindowDuration, cfg.WindowIncrement, cfg.TickInterval)

	var (
		store     fetch.Store
		important fetch.ImportanceStore
		database  *db.DB
	)
	if *devMode {
		start := time.Now().UTC().Add(-devSamples * time.Second).Truncate(time.Second)
		mem := memstore.Synthetic(start, devSamples)
		store, important = mem, mem
		log.Printf("dev mode: serving %ds of synthetic readings from %s", devSamples, start.Format(time.RFC3339))
	} else {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer database.Close()
		store, important = database, database
	}

	fetcher := fetch.New(fetch.NewBreakerStore(store, cfg.Breaker("store")), cfg.WindowDuration)
	manager, err := stream.NewManager(cfg.Stream(), fetcher, nil)
	if err != nil {
		log.Fatalf("failed to create stream manager: %v", err)
	}

	srv := api.NewServer(manager, important, cfg)
	mux := srv.ServeMux()
	adminMux := mux
	if *debugListen != "" {
		adminMux = http.NewServeMux()
	}
	srv.AttachAdminRoutes(adminMux)
	if database != nil {
		if err := database.AttachAdminRoutes(adminMux); err != nil {
			log.Fatalf("failed to attach database admin routes: %v", err)
		}
	}

	servers := []*http.Server{{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if *debugListen != "" {
		servers = append(servers, &http.Server{
			Addr:              *debugListen,
			Handler:           adminMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		g.Go(func() error {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", server.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Stop sessions first so stream handlers can deliver close
		// events and return before the servers wait on them.
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Printf("stream shutdown error: %v", err)
		}
		for _, server := range servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server %s shutdown error: %v", server.Addr, err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server %s force close error: %v", server.Addr, err)
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
