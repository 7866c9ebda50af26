package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/datallboy/gowish/internal/app"
	"github.com/datallboy/gowish/internal/engine"
	"github.com/datallboy/gowish/internal/infra/config"
	"github.com/datallboy/gowish/internal/infra/logger"
)

type cli struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	log    *logger.Logger
	out    io.Writer
	errOut io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "gowish",
		Short:         "Resumable HTTP(S), FTP and SFTP downloader with a persistent queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(c.getCmd(), c.queueCmd(), c.serveCmd(), c.drainCmd())
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	c.out = cmd.OutOrStdout()
	c.errOut = cmd.ErrOrStderr()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	if cfg.Log.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	c.cfg, c.log = cfg, log
	return nil
}

// open builds the application. Downloads are detached from the command
// context so interrupts can be turned into explicit stops.
func (c *cli) open(listeners ...engine.Listener) (*app.Context, error) {
	return app.NewContext(context.Background(), c.cfg, c.log, listeners...)
}

func (c *cli) isTerminal() bool {
	f, ok := c.out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
