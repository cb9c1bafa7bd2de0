package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/ontograph"
)

// engineFactory builds the engine for a command.
type engineFactory func(cfg ontograph.Config) (*ontograph.Engine, error)

func defaultEngine(cfg ontograph.Config) (*ontograph.Engine, error) {
	return ontograph.New(cfg)
}

type rootOptions struct {
	configPath string
	verbose    bool
	jsonOut    bool
	noColor    bool
	newEngine  engineFactory
}

func newRootCommand(factory engineFactory) *cobra.Command {
	opts := &rootOptions{newEngine: factory}
	root := &cobra.Command{
		Use:   "ontograph",
		Short: "Extract typed knowledge graphs from documents",
		Long: color.CyanString(`ontograph classifies a document against an ontology catalog and
extracts the matching ontology's nodes and relations with a language model.

Configuration is read from ontograph.yaml and ONTOGRAPH_* variables.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./ontograph.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline progress to stderr")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newClassifyCommand(opts))
	root.AddCommand(newExtractCommand(opts))
	root.AddCommand(newOntologiesCommand(opts))
	root.AddCommand(newRunsCommand(opts))
	return root
}

// withEngine loads the config, builds an engine, and closes it after fn.
func (o *rootOptions) withEngine(fn func(e *ontograph.Engine) error) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	e, err := o.newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// readInput returns the text of path, parsing documents by extension. A
// path of "-" reads stdin as plain text.
func readInput(ctx context.Context, e *ontograph.Engine, stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	text, _, err := e.ParseFile(ctx, path)
	return text, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	failColor  = color.New(color.FgRed)
	dimColor   = color.New(color.Faint)
)

func label(w io.Writer, name string, value any) {
	titleColor.Fprintf(w, "%-16s", name+":")
	fmt.Fprintln(w, value)
}
