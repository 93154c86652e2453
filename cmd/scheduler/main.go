package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wsiflow/scheduler/internal/metrics"
	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/internal/version"
	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/jobruntime/imagetasks"
	"github.com/wsiflow/scheduler/repository"
	"github.com/wsiflow/scheduler/scheduler"
	"github.com/wsiflow/scheduler/server"
	"github.com/wsiflow/scheduler/service"
	"github.com/wsiflow/scheduler/store"
	"github.com/wsiflow/scheduler/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "A multi-tenant workflow scheduler for long-running image-processing jobs.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd-managed deployments set their environment via the unit
		// file, not a .env dropped next to the binary.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	viper.SetDefault("mode", "demo")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 28082)
	viper.SetDefault("max-workers", 4)
	viper.SetDefault("max-active-users", 8)

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "demo", `mode of the process, one of "prod", "dev" or "demo"`)
	flags.String("addr", "", "address to bind the HTTP server to")
	flags.Int("port", 28082, "port for the HTTP server")
	flags.String("data", "", "data directory (sqlite driver only)")
	flags.String("driver", "sqlite", "database driver: postgres or sqlite")
	flags.String("dsn", "", "database source name")
	flags.Int("max-workers", 4, "maximum number of jobs running concurrently")
	flags.Int("max-active-users", 8, "maximum number of users admitted concurrently")

	for _, name := range []string{"mode", "addr", "port", "data", "driver", "dsn", "max-workers", "max-active-users"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("scheduler")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func run() error {
	p := &profile.Profile{
		Mode:           viper.GetString("mode"),
		Addr:           viper.GetString("addr"),
		Port:           viper.GetInt("port"),
		Data:           viper.GetString("data"),
		Driver:         viper.GetString("driver"),
		DSN:            viper.GetString("dsn"),
		Version:        version.GetCurrentVersion(viper.GetString("mode")),
		MaxWorkers:     viper.GetInt("max-workers"),
		MaxActiveUsers: viper.GetInt("max-active-users"),
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := db.NewDriver(p)
	if err != nil {
		slog.Error("failed to create database driver", "error", err)
		return err
	}
	defer driver.Close()

	st := store.New(driver, p)
	if err := st.Purge(ctx); err != nil {
		slog.Error("failed to purge store at startup", "error", err)
		return err
	}

	repo := repository.New(st)

	dispatcher := jobruntime.NewDispatcher()
	dispatcher.Register(store.JobTypeTissueMask, imagetasks.TissueMask)
	dispatcher.Register(store.JobTypePreviewDownsample, imagetasks.PreviewDownsample)
	dispatcher.Register(store.JobTypeInstansegCellSeg, imagetasks.InstansegCellSeg)

	m := metrics.New()
	sched := scheduler.New(repo, dispatcher, m, p.MaxWorkers, p.MaxActiveUsers, p.TickInterval)
	go sched.Start(ctx)
	defer sched.Stop()

	svc := service.New(st, repo, sched)
	srv := server.New(svc, m)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, terminationSignals...)

	go func() {
		<-sig
		slog.Info("shutdown signal received")
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("error during server shutdown", "error", err)
		}
		cancel()
	}()

	printGreetings(p)

	address := fmt.Sprintf("%s:%d", p.Addr, p.Port)
	if err := srv.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		return err
	}

	<-ctx.Done()
	return nil
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("scheduler %s started\n", p.Version)
	fmt.Printf("mode: %s, driver: %s\n", p.Mode, p.Driver)
	fmt.Printf("max workers: %d, max active users: %d\n", p.MaxWorkers, p.MaxActiveUsers)
	if len(p.Addr) == 0 {
		fmt.Printf("listening on port %d\n", p.Port)
	} else {
		fmt.Printf("listening on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService reports whether the process was launched by
// systemd, which sets these environment variables itself.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
