package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cmtonkinson/clover/internal/buildinfo"
	"github.com/cmtonkinson/clover/internal/config"
	"github.com/cmtonkinson/clover/internal/logging"
	"github.com/cmtonkinson/clover/internal/runlock"
	"github.com/cmtonkinson/clover/internal/state"
	"github.com/cmtonkinson/clover/internal/status"
	"github.com/cmtonkinson/clover/internal/store"
)

// clearScreen homes the cursor and erases the terminal between watch renders.
const clearScreen = "\x1b[H\x1b[2J"

func newStatusCmd(cli *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show in-progress, failed and recently completed work items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := cli.load(cmd.Context(), nil)
			if err != nil {
				return err
			}
			render := func() error {
				summary, err := cli.summary(cfg)
				if err != nil {
					return err
				}
				if watch {
					fmt.Fprint(cli.stdout, clearScreen)
				}
				fmt.Fprintln(cli.stdout, summary.String())
				return nil
			}
			if !watch {
				return render()
			}

			if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
				return fmt.Errorf("create state directory: %w", err)
			}
			logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Verbose: cli.verbose})
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return status.Watch(ctx, cfg.State.Path, runlock.PathFor(cfg.State.Path), 0, logger, render)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-render whenever the state changes")
	return cmd
}

// summary opens the store fresh so every render sees the latest writes.
func (cli *app) summary(cfg config.Config) (status.Summary, error) {
	st, err := store.Open(cfg.State.Backend, cfg.State.Path, nil)
	if err != nil {
		return status.Summary{}, err
	}
	defer func() {
		_ = st.Close()
	}()
	return status.Load(st, runlock.PathFor(cfg.State.Path), cli.now())
}

func newClearCmd(cli *app) *cobra.Command {
	var all, yes bool
	cmd := &cobra.Command{
		Use:   "clear (<kind> <number> | --all)",
		Short: "Forget persisted work items so their triggers start over",
		Long: "Forget persisted work items so their triggers start over.\n\n" +
			"Kinds: issue (feature), review (pr) and merge. A failed issue is only\n" +
			"picked up again after it is cleared.",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				if len(args) != 0 {
					return errors.New("clear --all takes no arguments")
				}
				return nil
			}
			if len(args) != 2 {
				return errors.New("expected <kind> <number>, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := cli.load(cmd.Context(), nil)
			if err != nil {
				return err
			}
			info, held, err := runlock.Holder(runlock.PathFor(cfg.State.Path))
			if err != nil {
				return err
			}
			if held {
				return fmt.Errorf("clover daemon is running (pid %d); stop it before clearing state", info.PID)
			}

			var key state.Key
			if !all {
				if key, err = parseTarget(args[0], args[1]); err != nil {
					return err
				}
			}
			st, err := store.Open(cfg.State.Backend, cfg.State.Path, nil)
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			if !all {
				if err := st.Clear(key.Kind, key.Number); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("no work item %s", key)
					}
					return err
				}
				fmt.Fprintf(cli.stdout, "cleared %s\n", key)
				return nil
			}
			if !yes {
				ok, err := confirm(cli.stdin, cli.stdout, "Clear ALL work items? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cli.stdout, "aborted")
					return nil
				}
			}
			count, err := st.ClearAll()
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.stdout, "cleared %d work items\n", count)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Clear every work item")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt for --all")
	return cmd
}

// parseTarget turns "issue 7" style arguments into a key.
func parseTarget(kindArg string, numberArg string) (state.Key, error) {
	kind, err := state.ParseKind(kindArg)
	if err != nil {
		return state.Key{}, err
	}
	number, err := strconv.Atoi(strings.TrimPrefix(numberArg, "#"))
	if err != nil || number <= 0 {
		return state.Key{}, fmt.Errorf("invalid number %q", numberArg)
	}
	return state.Key{Kind: kind, Number: number}, nil
}

// confirm reads a yes/no answer; anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func newConfigCmd(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := cli.load(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				cli.warn(err.Error())
			}
			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cli.stdout.Write(data)
			return err
		},
	}
}

func newVersionCmd(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cli.stdout, buildinfo.String())
		},
	}
}
