package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/g960059/bridged/internal/applog"
	"github.com/g960059/bridged/internal/config"
	"github.com/g960059/bridged/internal/diagnostics"
	"github.com/g960059/bridged/internal/dispatch"
	"github.com/g960059/bridged/internal/httpapi"
	"github.com/g960059/bridged/internal/kgsync"
	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/peer"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/security"
	"github.com/g960059/bridged/internal/store"
	"github.com/g960059/bridged/internal/toolserver"
	"github.com/g960059/bridged/internal/transport"
)

func main() {
	cfg := config.DefaultConfig()

	root := &cobra.Command{
		Use:   "bridged",
		Short: "loopback MCP message bridge between claude and codex",
	}

	var configFile string
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional bridged.yaml path")
	root.PersistentFlags().IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite store path")
	root.PersistentFlags().StringVar(&cfg.KGURL, "kg-url", cfg.KGURL, "knowledge-graph base URL")
	root.PersistentFlags().StringVar(&cfg.CodexPath, "codex-path", cfg.CodexPath, "codex binary path")
	root.PersistentFlags().BoolVar(&cfg.CodexEnabled, "codex-enabled", cfg.CodexEnabled, "enable the codex subprocess peer")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := cfg.LoadYAMLFile(configFile); err != nil {
					return err
				}
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			return runServe(cfg, configFile)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			return runMigrate(cfg)
		},
	}

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "check that the runtime environment is ready to serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			return runDoctor(cfg)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, doctorCmd)

	if err := root.Execute(); err != nil {
		applog.Fatalf("%v", err)
	}
}

func runMigrate(cfg config.Config) error {
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return store.ApplyMigrations(ctx, st.DB())
}

func runDoctor(cfg config.Config) error {
	result := diagnostics.Run(context.Background(), diagnostics.Options{
		DBPath:       cfg.DBPath,
		CodexPath:    cfg.CodexPath,
		CodexEnabled: cfg.CodexEnabled,
		KGURL:        cfg.KGURL,
	})
	for _, c := range result.Checks {
		fmt.Printf("[%s] %s: %s\n", c.Status, c.Name, c.Message)
	}
	if !result.OK {
		return errors.New("doctor found failing checks")
	}
	return nil
}

func runServe(cfg config.Config, configFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lock, err := acquireLock(cfg.DBPath + ".lock")
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.release()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := st.EnsureSeedClients(ctx, time.Now()); err != nil {
		return fmt.Errorf("seed clients: %w", err)
	}

	clients := registry.NewClientRegistry()
	kg := kgsync.New(cfg.KGURL, fmt.Sprintf("127.0.0.1:%d", cfg.Port))

	var peerClient *peer.Client
	var peerExec *peer.Exec
	if cfg.CodexEnabled {
		peerClient = peer.NewClient(peer.ClientConfig{
			BinaryPath:       cfg.CodexPath,
			Sandbox:          cfg.CodexSandbox,
			ApprovalPolicy:   cfg.CodexApprovalPolicy,
			BaseInstructions: cfg.CodexBaseInstructions,
		})
		peerExec = peer.NewExec(peer.ExecConfig{
			BinaryPath:       cfg.CodexPath,
			Sandbox:          cfg.CodexSandbox,
			BaseInstructions: cfg.CodexBaseInstructions,
		})
	}

	dispatcher := dispatch.New(dispatch.Options{
		Store:      st,
		Clients:    clients,
		PeerClient: peerClient,
		PeerExec:   peerExec,
		KG:         kg,
	})

	queue := dispatch.NewQueueProcessor(st, clients, cfg.QueuePollInterval)
	queue.Start(ctx)

	startRetentionLoop(ctx, st, cfg.RetentionAge)

	trans := transport.New(transport.Options{
		Clients: clients,
		Store:   st,
		NewToolServer: func(assistantID model.AssistantId) transport.ToolServer {
			return toolserver.New(assistantID, st, dispatcher, kg)
		},
		OnSessionOnline: queue.OnClientOnline,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			trans.HandlePost(w, r)
		case http.MethodGet:
			trans.HandleGet(w, r)
		case http.MethodDelete:
			trans.HandleDelete(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/status", httpapi.StatusHandler(sessionAdapter{trans}))
	mux.HandleFunc("/health", httpapi.HealthHandler(kg))

	httpSrv := &http.Server{
		Handler:           security.LoopbackOnly(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", cfg.Port, err)
	}

	watchConfigReload(ctx, filepath.Dir(cfg.DBPath), configFile, &cfg, peerClient, peerExec)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Errorf("serve", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	trans.Shutdown(shutdownCtx)
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

// startRetentionLoop purges stale invocation payloads hourly, running one
// pass immediately so a freshly started daemon doesn't carry an hour of
// stale rows before its first sweep.
func startRetentionLoop(ctx context.Context, st *store.Store, age time.Duration) {
	run := func() {
		if err := st.PurgeRetention(context.Background(), time.Now().Add(-age)); err != nil {
			applog.Errorf("retention", err)
		}
	}
	run()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// watchConfigReload watches dir for a ".reload" sentinel file. On sighting
// one it re-reads configFile and pushes the sandbox/approval/
// base-instructions overrides into the already-running peer client/exec, so
// an operator can change those three knobs without restarting the daemon.
func watchConfigReload(ctx context.Context, dir, configFile string, cfg *config.Config, peerClient *peer.Client, peerExec *peer.Exec) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		applog.Errorf("config-watch", err)
		return
	}
	if err := watcher.Add(dir); err != nil {
		applog.Errorf("config-watch", err)
		watcher.Close() //nolint:errcheck
		return
	}
	go func() {
		defer watcher.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 && filepath.Base(ev.Name) == ".reload" {
					reloadConfig(configFile, cfg, peerClient, peerExec)
					os.Remove(ev.Name) //nolint:errcheck
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				applog.Errorf("config-watch", err)
			}
		}
	}()
}

func reloadConfig(configFile string, cfg *config.Config, peerClient *peer.Client, peerExec *peer.Exec) {
	if configFile == "" {
		applog.Infof("reload sentinel observed but no --config file was given, ignoring")
		return
	}
	if err := cfg.LoadYAMLFile(configFile); err != nil {
		applog.Errorf("config-reload", err)
		return
	}
	if peerClient != nil {
		peerClient.UpdateConfig(cfg.CodexSandbox, cfg.CodexApprovalPolicy, cfg.CodexBaseInstructions)
	}
	if peerExec != nil {
		peerExec.UpdateConfig(cfg.CodexSandbox, cfg.CodexBaseInstructions)
	}
	applog.Infof("reloaded config from %s", configFile)
}

type sessionAdapter struct {
	t *transport.Transport
}

func (a sessionAdapter) Sessions() []httpapi.SessionView {
	views := a.t.Sessions()
	out := make([]httpapi.SessionView, 0, len(views))
	for _, v := range views {
		out = append(out, httpapi.SessionView{ID: v.ID, ClientID: v.ClientID})
	}
	return out
}

func (a sessionAdapter) SessionCount() int {
	return a.t.SessionCount()
}
