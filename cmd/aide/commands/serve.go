package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/dispatch"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/internal/server"
	"github.com/aide-ai/aide/internal/sidecar"
	"github.com/aide-ai/aide/internal/storage"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort     int
	serveHostname string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aide HTTP server",
	Long: `Start aide as a server that exposes chat sessions, their working sets
and the event stream over HTTP.

When a sidecar URL is configured, requests are forwarded to the agent
backend and its events are streamed into the session.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, else 4096)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer logging.Close()
	cfg := env.config
	log := logging.Component("serve")

	log.Info().Str("version", Version).Str("directory", env.dir).Msg("starting aide server")

	bus := event.NewBus()
	defer bus.Close()

	store := storage.New(env.paths.StoragePath())
	chatSvc := chat.NewService(store, bus, chat.ServiceOptions{
		RequesterUsername: cfg.Username,
		ResponderUsername: cfg.Responder,
	})

	editOpts := editing.Options{Root: env.dir, Bus: bus}
	if cfg.Editing != nil {
		editOpts.Exclude = cfg.Editing.Exclude
	}
	editSvc := editing.NewService(editOpts)
	defer editSvc.Close()
	if cfg.Editing != nil && cfg.Editing.Watch {
		if err := editSvc.Watch(); err != nil {
			log.Warn().Err(err).Msg("file watching disabled")
		}
	}

	dispatchOpts := dispatch.Options{Bus: bus, Editing: editSvc}
	var client *sidecar.Client
	if cfg.Sidecar != nil && cfg.Sidecar.URL != "" {
		opts := sidecar.OptionsFromConfig(cfg.Sidecar)
		opts.Notifier = editing.NewBusNotifier(bus)
		client = sidecar.New(opts)
		dispatchOpts.Canceler = client
		log.Info().Str("url", cfg.Sidecar.URL).Msg("using agent sidecar")
	} else {
		log.Warn().Msg("no sidecar configured; agent events are only accepted through /progress")
	}
	dispatcher := dispatch.New(dispatchOpts)
	defer dispatcher.Close()

	srvCfg := server.ConfigFrom(cfg.Server)
	if servePort != 0 {
		srvCfg.Port = servePort
	}
	if serveHostname != "" {
		srvCfg.Hostname = serveHostname
	}
	srv := server.New(srvCfg, server.Deps{
		AppConfig:  cfg,
		Bus:        bus,
		Chat:       chatSvc,
		Editing:    editSvc,
		Dispatcher: dispatcher,
		Sidecar:    client,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatSvc.StartAutosave(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := chatSvc.Close(shutdownCtx); cerr != nil {
			log.Error().Err(cerr).Msg("failed to persist sessions")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}
