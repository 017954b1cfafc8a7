package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/agent/acp"
	"github.com/m4xw311/parley/agent/terminal"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/logging"
	"github.com/m4xw311/parley/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	mode      string
	session   string
	toolset   string
	resume    string
	verbosity string
	acp       bool
	trace     bool
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:   "parley [prompt...]",
		Short: "A terminal chat assistant that works through tools",
		Long: `Parley talks to a language model that can read files, write files and run
commands through tools. In prompt mode every sensitive tool call waits for
your approval.

Sessions are stored under .parley/sessions and can be resumed with -r.
With --acp, Parley speaks the Agent Client Protocol on stdin and stdout.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, strings.Join(args, " "))
		},
	}

	f := root.Flags()
	f.StringVarP(&opts.mode, "mode", "m", "", "Execution mode: 'auto' or 'prompt'")
	f.StringVarP(&opts.session, "session", "s", "", "Session name to create")
	f.StringVarP(&opts.toolset, "toolset", "t", "", "Toolset to use (defaults to 'default')")
	f.StringVarP(&opts.resume, "resume", "r", "", "Resume a session by name")
	f.StringVar(&opts.verbosity, "tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	f.BoolVar(&opts.acp, "acp", false, "Serve the Agent Client Protocol on stdin and stdout")
	f.BoolVar(&opts.trace, "trace", false, "Log protocol payloads (implies --verbose)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	root.MarkFlagsMutuallyExclusive("session", "resume")

	root.AddCommand(newSessionsCmd())
	return root
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := session.List(session.DefaultDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			for _, info := range infos {
				title := info.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(out, "%s\t%s\t%d turns\t%s\n", info.Name, info.UpdatedAt.Format("2006-01-02 15:04"), info.Turns, title)
			}
			return nil
		},
	}
}

func run(cmd *cobra.Command, opts options, prompt string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrapf(err, "error loading configuration")
	}

	level := cfg.LogLevel
	if opts.verbose || opts.trace {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Path: filepath.Join(config.Dir, logging.DefaultFile)})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sess, err := openSession(&opts)
	if err != nil {
		return err
	}
	mode, err := agent.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	verbosity, err := agent.ParseToolVerbosity(opts.verbosity)
	if err != nil {
		return err
	}
	sess.Mode = string(mode)
	sess.Toolset = opts.toolset

	provider, release, err := agent.NewProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	a, err := agent.New(ctx, cfg, sess, opts.toolset, mode, provider, verbosity, logger)
	if err != nil {
		return errors.Wrapf(err, "error initializing agent")
	}
	defer func() { _ = a.Close() }()

	if opts.acp {
		// Every ACP session gets its own provider; stdout carries only protocol messages.
		server := acp.New(a, cmd.InOrStdin(), out, acp.Options{
			NewProvider: func(ctx context.Context) (llm.Provider, func(), error) {
				return agent.NewProvider(ctx, cfg, logger)
			},
			Logger: logger,
		})
		return server.Run(ctx)
	}

	if err := sess.Save(); err != nil {
		return err
	}
	logger.Info("session opened", zap.String("session", sess.Name), zap.Bool("resumed", opts.resume != ""))

	term := terminal.New(a, cmd.InOrStdin(), out)
	if opts.resume != "" {
		fmt.Fprintf(out, "Resuming session: %s\n", sess.Name)
		term.Replay()
	} else {
		fmt.Fprintf(out, "Starting new session: %s\n", sess.Name)
	}
	return term.Run(ctx, prompt)
}

// openSession loads or creates the session and fills unset options from a
// resumed session, then from the defaults.
func openSession(opts *options) (*session.Session, error) {
	var sess *session.Session
	if opts.resume != "" {
		var err error
		sess, err = session.Load(opts.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "error resuming session '%s'", opts.resume)
		}
		if opts.mode == "" {
			opts.mode = sess.Mode
		}
		if opts.toolset == "" {
			opts.toolset = sess.Toolset
		}
	} else {
		name := opts.session
		if name == "" {
			name = session.NewName()
		}
		var err error
		sess, err = session.New(name)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating session '%s'", name)
		}
	}

	if opts.mode == "" {
		opts.mode = string(agent.ModePrompt)
	}
	if opts.toolset == "" {
		opts.toolset = "default"
	}
	return sess, nil
}
