package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// ValidationIssue pinpoints one problem in a configuration file.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult is the validate command's output payload.
type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Descriptors int               `json:"descriptors"`
	Issues      []ValidationIssue `json:"issues,omitempty"`
}

func (r ValidationResult) String() string {
	if r.Valid {
		return fmt.Sprintf("valid (%d descriptors)", r.Descriptors)
	}
	out := fmt.Sprintf("invalid (%d issues)", len(r.Issues))
	for _, issue := range r.Issues {
		out += fmt.Sprintf("\n  %s: %s", issue.Path, issue.Message)
	}
	return out
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Check a configuration for well-formed descriptors",
		Long: `Parse a configuration file and verify every embedded dependency
descriptor: known operation tags with the argument shapes those operations
expect. No descriptor is resolved and no instance is built.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
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
	formatter.VerboseLog("loaded %s: %d component(s)", path, len(cfg.Components))

	result := ValidateConfig(cfg)
	if !result.Valid {
		if err := formatter.Error(ErrCodeValidate, result.String(), result.Issues); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "configuration is invalid")
	}
	return formatter.Success(result)
}

// ValidateConfig checks component declarations and every descriptor embedded
// in defaults and root configuration.
func ValidateConfig(cfg *ConfigFile) ValidationResult {
	v := &validator{seen: map[string]bool{}}

	for i, comp := range cfg.Components {
		at := fmt.Sprintf("components[%d]", i)
		if comp.Name == "" {
			v.issue(at, "component name is empty")
			continue
		}
		identity := comp.Name
		if comp.Version != "" {
			identity += "@" + comp.Version
		}
		if v.seen[identity] {
			v.issue(at, fmt.Sprintf("duplicate component identity %q", identity))
		}
		v.seen[identity] = true
		v.walk(at+".defaults", comp.Defaults)
	}

	if cfg.Root != nil {
		if cfg.Root.Component == "" {
			v.issue("root", "component name is empty")
		} else if !v.seen[cfg.Root.Component] {
			v.issue("root", fmt.Sprintf("unknown component %q", cfg.Root.Component))
		}
		v.walk("root.config", cfg.Root.Config)
	}

	return ValidationResult{
		Valid:       len(v.issues) == 0,
		Descriptors: v.descriptors,
		Issues:      v.issues,
	}
}

type validator struct {
	seen        map[string]bool
	issues      []ValidationIssue
	descriptors int
}

func (v *validator) issue(path, message string) {
	v.issues = append(v.issues, ValidationIssue{Path: path, Message: message})
}

// walk descends a configuration value with sorted map keys, checking each
// embedded descriptor it finds. Descriptor arguments are walked too: nested
// descriptors are legal anywhere.
func (v *validator) walk(path string, node any) {
	if d, ok := descriptor.FromValue(node); ok {
		v.descriptors++
		v.check(path, d)
		for i, arg := range d.Args {
			v.walk(fmt.Sprintf("%s[%d]", path, i+1), arg)
		}
		return
	}
	switch val := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v.walk(path+"."+k, val[k])
		}
	case []any:
		for i, item := range val {
			v.walk(fmt.Sprintf("%s[%d]", path, i), item)
		}
	}
}

// check enforces the argument shape each operation expects.
func (v *validator) check(path string, d descriptor.Descriptor) {
	switch d.Op {
	case descriptor.OpLoadResource:
		switch arg := d.Arg(0).(type) {
		case string:
			if arg == "" {
				v.issue(path, "load-resource: url is empty")
			}
		case map[string]any:
			if url, _ := arg["url"].(string); url == "" {
				v.issue(path, "load-resource: url is empty")
			}
		case []any:
			// nested descriptor; walked separately
		default:
			v.issue(path, fmt.Sprintf("load-resource: argument has unsupported type %T", d.Arg(0)))
		}

	case descriptor.OpGetComponent, descriptor.OpGetInstance,
		descriptor.OpGetProxyInstance, descriptor.OpStartInstance:
		if d.Arg(0) == nil {
			v.issue(path, fmt.Sprintf("%s: component reference is missing", d.Op))
		}
		if len(d.Args) > 1 && d.Arg(1) != nil {
			if _, ok := d.MapArg(1); !ok {
				v.issue(path, fmt.Sprintf("%s: configuration must be a map", d.Op))
			}
		}

	case descriptor.OpGetStore:
		switch d.Arg(0).(type) {
		case string, map[string]any:
		default:
			v.issue(path, fmt.Sprintf("get-store: argument has unsupported type %T", d.Arg(0)))
		}

	case descriptor.OpGetRecord, descriptor.OpDeleteRecord:
		if len(d.Args) < 2 {
			v.issue(path, fmt.Sprintf("%s: needs a store and a key", d.Op))
		}

	case descriptor.OpSetRecord:
		if len(d.Args) < 2 {
			v.issue(path, "set-record: needs a store and a record")
		} else if _, ok := d.MapArg(1); !ok {
			if _, nested := descriptor.FromValue(d.Arg(1)); !nested {
				v.issue(path, "set-record: record must be a map")
			}
		}
	}
}
