package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dleitner/syllaparse/internal/config"
	"github.com/dleitner/syllaparse/internal/database"
	"github.com/dleitner/syllaparse/internal/identity"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "syllaparse",
		Short:        "syllaparse development CLI",
		Long:         "Day-to-day development commands: the docker compose stack, tests, schema migration, and the cache-key checksum of a local file.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file for stack commands")
	root.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
		newTestCmd(),
		newRunCmd(),
		newMigrateCmd(),
		newChecksumCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "syllaparse: %v\n", err)
		os.Exit(1)
	}
}

func compose(ctx context.Context, args ...string) error {
	return run(ctx, "docker", append([]string{"compose", "-f", composeFile}, args...)...)
}

func newUpCmd() *cobra.Command {
	var foreground, skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Build and start the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"up"}
			if !skipBuild {
				composeArgs = append(composeArgs, "--build")
			}
			if !foreground {
				composeArgs = append(composeArgs, "-d")
			}
			return compose(cmd.Context(), append(composeArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Stay attached instead of detaching")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images first")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return compose(cmd.Context(), composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Also remove volumes (drops Postgres and Redis state)")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show logs from compose services",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"logs"}
			if follow {
				composeArgs = append(composeArgs, "-f")
			}
			return compose(cmd.Context(), append(composeArgs, args...)...)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs continuously")
	return cmd
}

func newTestCmd() *cobra.Command {
	var race bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if len(args) == 0 {
				args = []string{"./..."}
			}
			return run(cmd.Context(), "go", append(goArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable the race detector")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run {api|worker}",
		Short: "Run a binary directly with go run",
	}
	for _, name := range []string{"api", "worker"} {
		path := "./cmd/" + name
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: "go run " + path,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), "go", append([]string{"run", path}, args...)...)
			},
		})
	}
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("SYLLAPARSE_DATABASE_URL is not set")
			}
			ctx := cmd.Context()
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func newChecksumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <file>",
		Short: "Print the checksum a file would be cached under",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			sum, size, err := identity.Checksum(f)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %d bytes\n", sum, size)
			return nil
		},
	}
}

func run(ctx context.Context, name string, args ...string) error {
	c := exec.CommandContext(ctx, name, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	return c.Run()
}
