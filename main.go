package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/marcus-crane/tilawah/audio"
	"github.com/marcus-crane/tilawah/catalog"
	"github.com/marcus-crane/tilawah/config"
	"github.com/marcus-crane/tilawah/db"
	"github.com/marcus-crane/tilawah/events"
	"github.com/marcus-crane/tilawah/jobs"
	"github.com/marcus-crane/tilawah/migrations"
	"github.com/marcus-crane/tilawah/notify"
	"github.com/marcus-crane/tilawah/playback"
	"github.com/marcus-crane/tilawah/routes"
	"github.com/marcus-crane/tilawah/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Print("No .env file found, using the environment as is")
	}

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	})))

	if cfg.Tilawah.ResetDB && cfg.Tilawah.PersistenceEnabled {
		if err := os.Remove(cfg.Tilawah.DbPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Fatal(err)
		}
		log.Printf("Removed database at %s", cfg.Tilawah.DbPath)
	}

	store, err := db.Open(cfg.Tilawah.PersistenceEnabled, cfg.Tilawah.DbPath, migrations.GetMigrations())
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Default()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Player.RecitersFile != "" {
		if err := cat.Watch(ctx, cfg.Player.RecitersFile); err != nil {
			slog.Error("Failed to watch reciters file, using the bundled list",
				slog.String("path", cfg.Player.RecitersFile),
				slog.Any("error", err))
		}
	}

	broker := events.NewBroker()

	notifier := notify.Multi{notify.Log{}, notify.SSE{Publisher: broker}}
	if cfg.PushoverEnabled() {
		notifier = append(notifier, notify.NewPushover(cfg.Pushover.Token, cfg.Pushover.Recipient))
		log.Print("Pushover notifications are enabled.")
	}

	client := utils.NewHTTPClient(0)
	speaker := audio.NewSpeaker(client, nil)

	opts := jobs.RestoreOptions(cfg, store)
	opts.Notifier = notifier
	ctrl, err := playback.NewController(cat, speaker, opts)
	if err != nil {
		log.Fatal(err)
	}

	recorder := jobs.NewRecorder(store, nil)
	ctrl.Subscribe(recorder.Observe)
	ctrl.Subscribe(routes.PublishSnapshots(broker))

	jobScheduler := jobs.SetupInBackground(cfg, store, ctrl)

	if cfg.Tilawah.BackgroundJobsEnabled {
		jobScheduler.StartAsync()
		log.Print("Background jobs have started up in the background.")
	} else {
		log.Print("Background jobs are disabled.")
	}

	router := routes.Register(http.NewServeMux(), routes.Deps{
		Catalog:        cat,
		Session:        ctrl,
		Store:          store,
		Broker:         broker,
		Client:         client,
		AllowedOrigins: cfg.Origins(),
		ControlSecret:  cfg.Tilawah.ControlSecret,
	})

	server := &http.Server{
		Addr:              cfg.Tilawah.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server stopped", slog.Any("error", err))
			stop()
		}
	}()

	log.Printf("Tilawah is running at http://localhost%s", cfg.Tilawah.ListenAddr)

	<-ctx.Done()
	log.Print("Gracefully shutting down...")

	// Event streams never finish on their own
	broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down server cleanly", slog.Any("error", err))
	}

	log.Print("Running cleanup tasks")

	jobScheduler.Stop()
	recorder.Close()
	jobs.SaveCheckpoint(store, ctrl)
	ctrl.Close()
	speaker.Close()
	if err := store.Close(); err != nil {
		slog.Error("Failed to close database", slog.Any("error", err))
	}

	log.Print("Tilawah has successfully shut down.")
}
