package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/listen/internal/config"
	"github.com/petems/listen/internal/control"
	"github.com/petems/listen/internal/engine"
	"github.com/petems/listen/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile string
	session string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "listen",
	Short:         "Dictate into tmux panes",
	Long:          "listen runs a per-session speech capture daemon that pastes transcripts into the tmux pane that asked for them.",
	Version:       fmt.Sprintf("%s (%s)", Version, Commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if session != "" {
			cfg.Session = session
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the speech capture daemon for a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cfg)
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle [target]",
	Short: "Start or stop recording for a pane (defaults to $TMUX_PANE)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := os.Getenv("TMUX_PANE")
		if len(args) == 1 {
			target = args[0]
		}
		if target == "" {
			return errors.New("no target pane given and $TMUX_PANE is not set")
		}
		return expect(cmd.Context(), "TOGGLE "+target, "OK")
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the session daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := expect(cmd.Context(), "PING", "PONG"); err != nil {
			return err
		}
		fmt.Println("PONG")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := openDriver(cfg.Audio)
		if err != nil {
			return err
		}
		defer driver.Close()

		devices, err := driver.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		for _, d := range devices {
			mark := " "
			if d.Default {
				mark = "*"
			}
			fmt.Printf("%s %s\t%s\n", mark, d.ID, d.Name)
		}
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage local recognition models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloadable models",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range engine.ModelNames() {
			mark := " "
			if name == engine.DefaultModel {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, name)
		}
	},
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download [name]",
	Short: "Download a streaming model into the models directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := engine.DefaultModel
		if len(args) == 1 {
			name = args[0]
		}

		sc, err := engine.DownloadModel(cmd.Context(), consoleLogger(), name, cfg.ModelsDir)
		if err != nil {
			return err
		}
		fmt.Printf("encoder: %s\ndecoder: %s\njoiner:  %s\ntokens:  %s\n", sc.Encoder, sc.Decoder, sc.Joiner, sc.Tokens)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/listen/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&session, "session", "", "tmux session name (default is $LISTEN_SESSION)")

	modelsCmd.AddCommand(modelsListCmd, modelsDownloadCmd)
	rootCmd.AddCommand(daemonCmd, toggleCmd, pingCmd, configCmd, devicesCmd, modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
}

func consoleLogger() zerolog.Logger {
	return logging.NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, cfg.LogLevel)
}

func socketPath(c *config.Config) (string, error) {
	if c.Socket != "" {
		return c.Socket, nil
	}
	if c.Session == "" {
		return "", errors.New("no session: pass --session or set LISTEN_SESSION")
	}
	return control.DefaultSocketPath(c.Session), nil
}

// expect sends one request and checks the reply. It does not wait for the
// daemon to act on it.
func expect(ctx context.Context, line, want string) error {
	path, err := socketPath(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reply, err := control.Send(ctx, path, line)
	if err != nil {
		return fmt.Errorf("%w (socket %s)", err, path)
	}
	if reply != want {
		cmd, _, _ := strings.Cut(line, " ")
		return fmt.Errorf("daemon answered %q to %s", reply, cmd)
	}
	return nil
}
