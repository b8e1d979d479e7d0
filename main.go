package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/yeremiapane/table-sessions/config"
	"github.com/yeremiapane/table-sessions/database"
	"github.com/yeremiapane/table-sessions/kds"
	"github.com/yeremiapane/table-sessions/router"
	"github.com/yeremiapane/table-sessions/services"
	"github.com/yeremiapane/table-sessions/telemetry"
	"github.com/yeremiapane/table-sessions/utils"
)

const serviceName = "table-sessions"

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "posctl",
		Short:   "Table session and payment reconciliation service",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(staffCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired core shared by every command.
type app struct {
	cfg       config.Config
	db        *gorm.DB
	directory *services.GormStaffDirectory
	manager   *services.SessionManager
	hub       *kds.Hub
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	utils.SetJWTSecret(cfg.JWTSecret)
	utils.SetDebug(cfg.GinMode != gin.ReleaseMode)

	db, err := config.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, hub: kds.NewHub()}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, func() { sqlDB.Close() })
	}

	var locker services.Locker = services.NewMemoryLocker()
	if cfg.LockMode == "postgres" {
		advisory, err := database.NewAdvisoryLocker(ctx, cfg.LockDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, advisory.Close)
		locker = advisory
		utils.InfoLogger.Info("using postgres advisory locks")
	}

	a.directory = services.NewGormStaffDirectory(db, cfg.StaffPinPepper)
	a.manager = services.NewSessionManager(services.Dependencies{
		Gateway:   database.NewGormGateway(db),
		Directory: a.directory,
		Locker:    locker,
		Alerts:    services.LogAlertSink{Notifier: a.hub},
		Notifier:  a.hub,
	}, services.ManagerConfig{
		OperationTimeout:    cfg.OperationTimeout,
		DirectoryTimeout:    cfg.DirectoryTimeout,
		AuditMaxAttempts:    uint(max(cfg.AuditMaxAttempts, 1)),
		AuditInitialBackoff: cfg.AuditInitialBackoff,
	})
	return a, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the stuck-session monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.GinMode == gin.ReleaseMode {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing := telemetry.Setup(serviceName)
			defer shutdownTracing(context.Background())

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := database.Migrate(a.db); err != nil {
				return err
			}

			monitor := services.NewReconcileMonitor(a.manager, cfg.StuckClosingAfter, cfg.ReconcileInterval)
			monitor.Start()
			defer monitor.Stop()

			r := router.SetupRouter(a.manager, router.Options{
				Directory:          a.directory,
				Hub:                a.hub,
				SnapshotTTL:        cfg.SnapshotTTL,
				AllowedOrigin:      cfg.AllowedOrigin,
				PinAttemptInterval: cfg.PinAttemptInterval,
				PinAttemptBurst:    cfg.PinAttemptBurst,
				RequestsPerMinute:  cfg.RequestsPerMinute,
			})

			server := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      otelhttp.NewHandler(r, serviceName),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				utils.InfoLogger.Printf("Listening on port %s", cfg.Port)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				utils.InfoLogger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.InitDB(config.Load())
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			utils.InfoLogger.Println("AutoMigrate completed.")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile one session, or sweep for sessions stuck in closing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var report interface{}
			if sessionID != "" {
				report, err = a.manager.Reconcile(cmd.Context(), sessionID)
			} else {
				report, err = services.NewReconcileMonitor(a.manager, cfg.StuckClosingAfter, cfg.ReconcileInterval).Sweep(cmd.Context())
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "reconcile a single session by id")
	return cmd
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff PINs",
	}

	var name, role, pin string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a staff member with a PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer a.Close()

			staff, err := a.directory.CreateStaff(cmd.Context(), name, role, pin)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) id=%s\n", staff.Name, staff.Role, staff.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "staff name")
	add.Flags().StringVar(&role, "role", "staff", "staff, manager or admin")
	add.Flags().StringVar(&pin, "pin", "", "4 to 8 digit PIN")
	add.MarkFlagRequired("name")
	add.MarkFlagRequired("pin")

	setActive := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [staff-id]",
			Short: use + " a staff member",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), config.Load())
				if err != nil {
					return err
				}
				defer a.Close()
				return a.directory.SetActive(cmd.Context(), args[0], active)
			},
		}
	}

	cmd.AddCommand(add, setActive("disable", false), setActive("enable", true))
	return cmd
}
