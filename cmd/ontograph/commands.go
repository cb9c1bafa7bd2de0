package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/ontograph"
	"github.com/brunobiangulo/ontograph/classifier"
	"github.com/brunobiangulo/ontograph/store"
)

func newClassifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <file|->",
		Short: "Pick the library and ontology of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *ontograph.Engine) error {
				text, err := readInput(cmd.Context(), e, cmd.InOrStdin(), args[0])
				if err != nil {
					return err
				}
				res, err := e.Classify(cmd.Context(), text)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printClassification(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func newExtractCommand(opts *rootOptions) *cobra.Command {
	var ontologyName string
	cmd := &cobra.Command{
		Use:   "extract <file|->",
		Short: "Classify a document and extract its knowledge graph",
		Long: `Classify a document and extract the graph of the matched ontology.
With --ontology, classification is skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *ontograph.Engine) error {
				ctx := cmd.Context()
				var (
					res *ontograph.Result
					err error
				)
				switch {
				case ontologyName != "":
					var text string
					if text, err = readInput(ctx, e, cmd.InOrStdin(), args[0]); err == nil {
						res, err = e.Extract(ctx, text, ontologyName)
					}
				case args[0] == "-":
					var text string
					if text, err = readInput(ctx, e, cmd.InOrStdin(), args[0]); err == nil {
						res, err = e.Run(ctx, text)
					}
				default:
					res, err = e.RunFile(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&ontologyName, "ontology", "o", "", "extract this ontology without classifying")
	return cmd
}

func newOntologiesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ontologies",
		Short: "List the libraries, ontologies and node types of the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *ontograph.Engine) error {
				w := cmd.OutOrStdout()
				reg := e.Registry()
				for _, lib := range reg.Libraries() {
					titleColor.Fprintln(w, lib)
					names, _ := reg.Ontologies(lib)
					for _, name := range names {
						fmt.Fprintf(w, "  %s\n", name)
						nts, err := reg.NodeTypes(name)
						if err != nil {
							return err
						}
						for _, nt := range nts {
							policy := string(nt.Policy)
							if policy == "" {
								policy = "DIRECT"
							}
							dimColor.Fprintf(w, "    %s (%s)\n", nt.Name, policy)
						}
					}
				}
				return nil
			})
		},
	}
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List audited runs or show one with its generation calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *ontograph.Engine) error {
				s := e.Store()
				if s == nil {
					return fmt.Errorf("audit store disabled: set db_path")
				}
				w := cmd.OutOrStdout()
				if len(args) == 0 {
					runs, err := s.ListRuns(cmd.Context(), limit)
					if err != nil {
						return err
					}
					if opts.jsonOut {
						return printJSON(w, runs)
					}
					for _, r := range runs {
						fmt.Fprintf(w, "%s  %s  %-9s %-12s %3d nodes %3d relations  %s\n",
							r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), statusColor(r.Status).Sprint(r.Status),
							r.Ontology, r.NodeCount, r.RelationCount, r.Source)
					}
					return nil
				}

				run, err := s.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				stats, err := s.StageStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(w, map[string]any{"run": run, "stages": stats})
				}
				printRun(w, run, stats)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func printClassification(w io.Writer, res classifier.Result) {
	label(w, "Library", fmt.Sprintf("%s (%d)", res.Library, res.LibraryScore))
	if res.Matched() {
		label(w, "Ontology", okColor.Sprintf("%s (%d)", res.Ontology, res.Score))
	} else {
		label(w, "Ontology", warnColor.Sprint(res.Ontology))
	}
	label(w, "Rationale", res.Rationale)
}

func printResult(w io.Writer, res *ontograph.Result) {
	label(w, "Run", res.RunID)
	printClassification(w, res.Classification)
	if res.Status == ontograph.StatusNoMatch {
		warnColor.Fprintln(w, "No ontology matched; nothing extracted.")
		return
	}

	fmt.Fprintln(w)
	titleColor.Fprintf(w, "Nodes (%d)\n", len(res.Nodes))
	for _, n := range res.Nodes {
		fmt.Fprintf(w, "  %s %s\n", n.Type, dimColor.Sprint(shortID(n.ID)))
		for _, k := range slices.Sorted(maps.Keys(n.Attributes)) {
			fmt.Fprintf(w, "      %s: %v\n", k, n.Attributes[k])
		}
	}

	fmt.Fprintln(w)
	titleColor.Fprintf(w, "Relations (%d)\n", len(res.Relations))
	for _, r := range res.Relations {
		fmt.Fprintf(w, "  %s %s -> %s %s\n", r.Type,
			r.Source.Type+"["+shortID(r.Source.ID)+"]",
			r.Target.Type+"["+shortID(r.Target.ID)+"]",
			dimColor.Sprint(r.Reason))
	}

	if len(res.Failures) > 0 {
		fmt.Fprintln(w)
		failColor.Fprintf(w, "Failures (%d)\n", len(res.Failures))
		for _, f := range res.Failures {
			failColor.Fprintf(w, "  %s %s: %v\n", f.Stage, f.Unit, f.Err)
		}
	}
	if len(res.Unsupported) > 0 {
		fmt.Fprintln(w)
		warnColor.Fprintf(w, "Unsupported references (%d)\n", len(res.Unsupported))
		for _, u := range res.Unsupported {
			warnColor.Fprintf(w, "  %s[%s]: %q\n", u.NodeType, shortID(u.NodeID), u.ReferenceText)
		}
	}
}

func printRun(w io.Writer, run *store.Run, stats []store.StageStats) {
	label(w, "Run", run.ID)
	label(w, "Source", run.Source)
	label(w, "Status", statusColor(run.Status).Sprint(run.Status))
	if run.Ontology != "" {
		label(w, "Ontology", fmt.Sprintf("%s/%s (%d)", run.Library, run.Ontology, run.Score))
	}
	label(w, "Graph", fmt.Sprintf("%d nodes, %d relations, %d failures", run.NodeCount, run.RelationCount, run.FailureCount))
	if run.Error != "" {
		label(w, "Error", failColor.Sprint(run.Error))
	}
	if len(stats) == 0 {
		return
	}
	fmt.Fprintln(w)
	titleColor.Fprintln(w, "Generation calls")
	for _, s := range stats {
		fmt.Fprintf(w, "  %-18s %3d calls %3d failed %7d prompt %7d completion tokens\n",
			s.Stage, s.Calls, s.Failed, s.PromptTokens, s.CompletionTokens)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case store.StatusExtracted:
		return okColor
	case store.StatusNoMatch, store.StatusRunning:
		return warnColor
	default:
		return failColor
	}
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
