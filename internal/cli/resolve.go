package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mosaicrt/mosaic/internal/component"
	"github.com/mosaicrt/mosaic/internal/render"
	"github.com/mosaicrt/mosaic/internal/runtime"
	"github.com/mosaicrt/mosaic/internal/store"
)

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <config.yaml>",
		Short: "Resolve a configuration's descriptors and print the result",
		Long: `Register the file's components, resolve every dependency descriptor in
the root configuration, and print the resolved tree. Live values (instances,
stores, definitions) print as stable placeholders so output stays
comparable.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], cmd)
		},
	}
}

func runResolve(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		formatter.Error(ErrCodeLoad, err.Error(), nil)
		return err
	}

	rt := runtime.New()
	defer rt.Close()
	ctx := cmd.Context()

	for _, comp := range cfg.Components {
		def := &component.Definition{Name: comp.Name, Version: comp.Version, Defaults: comp.Defaults}
		if _, err := rt.Registry().Register(ctx, def, nil); err != nil {
			formatter.Error(ErrCodeValidate, err.Error(), nil)
			return WrapExitError(ExitFailure, "register component", err)
		}
		formatter.VerboseLog("registered component %s", comp.Name)
	}

	if cfg.Root == nil {
		err := NewExitError(ExitCommandError, "configuration has no root")
		formatter.Error(ErrCodeValidate, err.Message, nil)
		return err
	}

	resolved, err := rt.ResolveTree(ctx, cfg.Root.Config, nil)
	if err != nil {
		formatter.Error(ErrCodeResolve, err.Error(), nil)
		return WrapExitError(ExitFailure, "resolve configuration", err)
	}

	out := printable(resolved)
	if opts.Format == "json" {
		return formatter.Success(out)
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}

// printable rewrites live values into stable placeholders so resolved trees
// serialize deterministically.
func printable(v any) any {
	switch val := v.(type) {
	case *component.Instance:
		return map[string]any{"$instance": val.Index()}
	case *component.Proxy:
		return map[string]any{"$proxy": "deferred"}
	case *component.Definition:
		return map[string]any{"$component": val.Identity()}
	case *store.Store:
		cfg := val.Config()
		ref := map[string]any{}
		if cfg.Name != "" {
			ref["name"] = cfg.Name
		}
		if cfg.URL != "" {
			ref["url"] = cfg.URL
		}
		if cfg.DB != "" {
			ref["db"] = cfg.DB
		}
		return map[string]any{"$store": ref}
	case render.Handle:
		return map[string]any{"$handle": fmt.Sprint(val.Target)}
	case store.Record:
		return printable(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = printable(item)
		}
		return out
	case []store.Record:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = printable(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = printable(item)
		}
		return out
	default:
		return v
	}
}
