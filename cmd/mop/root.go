package mop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tldr-it-stepankutaj/mop/internal/app"
	"github.com/tldr-it-stepankutaj/mop/internal/modules/discovery"
	"github.com/tldr-it-stepankutaj/mop/internal/reports"
	"github.com/tldr-it-stepankutaj/mop/internal/shell"
	"github.com/tldr-it-stepankutaj/mop/internal/store"
	"github.com/tldr-it-stepankutaj/mop/internal/tui"
	"github.com/tldr-it-stepankutaj/mop/internal/workflow"
	"github.com/tldr-it-stepankutaj/mop/internal/workspace"
	"github.com/tldr-it-stepankutaj/mop/pkg/version"
)

const banner = `
  __  __    ___    ____
 |  \/  |  / _ \  |  _ \
 | |\/| | | | | | | |_) |
 | |  | | | |_| | |  __/
 |_|  |_|  \___/  |_|
`

var bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)

// NewRootCmd builds the mop command tree around its own Viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "mop",
		Short:         "mop: master of puppets module shell",
		Long:          "mop loads security modules from a directory tree and drives them from an interactive shell. Use --tui to pick a module from a browser first.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			resource, _ := cmd.Flags().GetString("resource")
			return runShell(cmd, v, resource)
		},
	}

	// Persistent flags (available to all subcommands).
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./mop.yaml)")
	flags.String("workspace", "./work", "Path to workspace root")
	flags.String("modules-dir", "modules", "Directory tree scanned for script modules")
	flags.String("log-level", "info", "Log level (debug|info|warn|error)")
	flags.Duration("run-timeout", 0, "Upper bound for a single module run (0 = none)")
	flags.String("db", "", "Scan database path (default <workspace>/mop.db)")
	flags.String("history", "", "Shell history file (default <workspace>/history)")
	flags.Bool("tui", false, "Pick a module in the TUI browser before the shell starts")
	rootCmd.Flags().StringP("resource", "r", "", "Workflow file replayed before the prompt appears")

	// Bind flags to Viper.
	for key, flag := range map[string]string{
		"workspace":   "workspace",
		"modules_dir": "modules-dir",
		"log_level":   "log-level",
		"run_timeout": "run-timeout",
		"db":          "db",
		"history":     "history",
		"tui":         "tui",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	// Env support: MOP_WORKSPACE, MOP_MODULES_DIR, etc.
	v.SetEnvPrefix("MOP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(newInitCmd(v))
	rootCmd.AddCommand(newModulesCmd(v))
	rootCmd.AddCommand(newWorkflowCmd(v))
	rootCmd.AddCommand(newReportCmd(v))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func readConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mop")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func bootstrap(cmd *cobra.Command, v *viper.Viper) (*app.Context, func(), error) {
	return app.Bootstrap(cmd.Context(), app.LoadConfig(v), cmd.OutOrStdout())
}

func newShell(appCtx *app.Context) *shell.Shell {
	return shell.New(appCtx.Registry,
		shell.WithOutput(appCtx.Out),
		shell.WithLogger(appCtx.Logger),
		shell.WithRunTimeout(appCtx.Config.RunTimeout),
	)
}

func runShell(cmd *cobra.Command, v *viper.Viper, resource string) error {
	appCtx, cleanup, err := bootstrap(cmd, v)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	out := appCtx.Out
	sh := newShell(appCtx)
	printSkipped(out, appCtx.Discovery)

	if appCtx.Config.TUI {
		name, err := tui.Run(appCtx.Registry)
		if err != nil {
			return err
		}
		if name != "" {
			sh.Dispatch(ctx, "use "+name)
		}
	}

	fmt.Fprintln(out, bannerStyle.Render(banner))
	if resource != "" {
		wf, err := workflow.LoadWorkflow(resource)
		if err != nil {
			return err
		}
		stopped, err := workflow.Execute(ctx, wf, sh, out, nil)
		if err != nil || stopped {
			return err
		}
	}

	term := shell.NewTerminal(appCtx.Config.HistoryFile, sh.WordCompleter)
	defer func() { _ = term.Close() }()
	return sh.Loop(ctx, term)
}

func printSkipped(out io.Writer, res discovery.Result) {
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "[!] skipped %s\n", s)
	}
}

// `init` subcommand to initialize/ensure workspace structure.
func newInitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace structure",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig(v)
			ws, err := workspace.Ensure(cfg.Workspace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workspace ready at: %s\n", ws.Root)
			return nil
		},
	}
}

// `modules` subcommand: what discovery loaded and what it skipped.
func newModulesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List loaded modules and skipped candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, cleanup, err := bootstrap(cmd, v)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("Module", "Revision", "Description")
			for md := range appCtx.Registry.List() {
				t.Row(md.Name, md.Revision, md.Description)
			}
			fmt.Fprintln(out, t.String())
			fmt.Fprintf(out, "[+] %d modules (%d discovered in %s)\n",
				appCtx.Registry.Len(), len(appCtx.Discovery.Loaded), appCtx.Config.ModulesDir)
			printSkipped(out, appCtx.Discovery)
			return nil
		},
	}
}

func newWorkflowCmd(v *viper.Viper) *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Execute or inspect workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow through the shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, vars, err := workflowFromFlags(cmd)
			if err != nil {
				return err
			}
			appCtx, cleanup, err := bootstrap(cmd, v)
			if err != nil {
				return err
			}
			defer cleanup()

			start := time.Now()
			if _, err := workflow.Execute(cmd.Context(), wf, newShell(appCtx), appCtx.Out, vars); err != nil {
				return err
			}
			fmt.Fprintf(appCtx.Out, "[+] Workflow finished in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the shell commands a workflow compiles to",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, vars, err := workflowFromFlags(cmd)
			if err != nil {
				return err
			}
			lines, err := wf.Commands(vars)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available predefined workflows",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available workflows:")
			for _, name := range workflow.ListPredefinedWorkflows() {
				if wf, ok := workflow.GetPredefinedWorkflow(name); ok {
					fmt.Fprintf(out, "  %s - %s\n", name, wf.Description)
				}
			}
		},
	}

	for _, c := range []*cobra.Command{runCmd, showCmd} {
		c.Flags().String("name", "", "Predefined workflow name")
		c.Flags().String("file", "", "Path to workflow YAML file")
		c.Flags().StringToString("var", nil, "Workflow variable, e.g. --var target=10.0.0.1")
	}
	workflowCmd.AddCommand(runCmd, showCmd, listCmd)
	return workflowCmd
}

func workflowFromFlags(cmd *cobra.Command) (*workflow.Workflow, map[string]string, error) {
	name, _ := cmd.Flags().GetString("name")
	file, _ := cmd.Flags().GetString("file")
	vars, _ := cmd.Flags().GetStringToString("var")

	switch {
	case file != "":
		wf, err := workflow.LoadWorkflow(file)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load workflow: %w", err)
		}
		return wf, vars, nil
	case name != "":
		wf, ok := workflow.GetPredefinedWorkflow(name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown workflow: %s (available: %s)", name, strings.Join(workflow.ListPredefinedWorkflows(), ", "))
		}
		return wf, vars, nil
	}
	return nil, nil, fmt.Errorf("workflow name or file is required")
}

// `report` subcommand: render stored scans.
func newReportCmd(v *viper.Viper) *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render stored scan records as Markdown or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfig(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")
			title, _ := cmd.Flags().GetString("title")
			target, _ := cmd.Flags().GetString("target")

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer func() { _ = db.Close() }()

			var where store.Where
			if target != "" {
				where = store.Where{"target": target}
			}
			scans, err := db.Scans().GetAll(cmd.Context(), where)
			if err != nil {
				return fmt.Errorf("failed to load scans: %w", err)
			}

			report := reports.New(title, scans)
			if output == "" {
				return report.Render(cmd.OutOrStdout(), format)
			}
			if err := report.WriteFile(output, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[+] Report generated: %s (%d scans)\n", output, len(scans))
			return nil
		},
	}
	reportCmd.Flags().String("format", "md", "Output format (md, json)")
	reportCmd.Flags().String("output", "", "Output file path (default: stdout)")
	reportCmd.Flags().String("title", "", "Report title")
	reportCmd.Flags().String("target", "", "Only scans of this target")
	return reportCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
