// Package main provides the pew binary: it serves a Pew application and
// runs its maintenance commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pew-pew-pew/pew/internal/app"
	"github.com/pew-pew-pew/pew/internal/auth"
	"github.com/pew-pew-pew/pew/internal/config"
	"github.com/pew-pew-pew/pew/internal/database"
	"github.com/pew-pew-pew/pew/internal/database/migrations"
	"github.com/pew-pew-pew/pew/internal/logging"
)

const (
	Version = "0.1.0"
	appName = "pew"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Pew-Pew-Pew web framework",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Config file path (YAML)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(serveCmd(load), migrateCmd(load), hashPasswordCmd(), routesCmd(load))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	return cmd
}

type loader func() (*config.Config, error)

func serveCmd(load loader) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				host, port, err := splitAddr(addr)
				if err != nil {
					return err
				}
				cfg.Server.Host, cfg.Server.Port = host, port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			runErr := application.Run(ctx)
			if err := application.Shutdown(context.Background()); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (host:port), overrides server.host/port")
	return cmd
}

func splitAddr(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid address %q", addr)
	}
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return addr[:i], port, nil
}

func migrateCmd(load loader) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if list {
				dialect, err := database.DialectFor(cfg.Database.Driver)
				if err != nil {
					return err
				}
				all, err := migrations.List(dialect.Name)
				if err != nil {
					return err
				}
				for _, m := range all {
					fmt.Fprintln(out, m.Version)
				}
				return nil
			}

			log, err := logging.New(appName, cfg.Logging)
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), database.Config{
				Driver: cfg.Database.Driver,
				DSN:    cfg.Database.DSN,
			}, database.WithLogger(log))
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrations.Apply(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "Nothing to migrate")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "Applied %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List migrations for the configured driver without applying them")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password is empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func routesCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the configured routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "METHODS\tPATTERN\tTARGET")
			for _, r := range cfg.Routes {
				methods := "ANY"
				if len(r.Methods) > 0 {
					methods = strings.Join(r.Methods, ",")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", methods, r.Pattern, r.Target)
			}
			fmt.Fprintf(w, "ANY\t/\t%s/%s\n", cfg.App.DefaultController, cfg.App.DefaultAction)
			fmt.Fprintln(w, "ANY\t/{controller}/{action}/{args...}\t(convention)")
			return w.Flush()
		},
	}
}
