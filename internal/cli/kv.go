package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mosaicrt/mosaic/internal/store"
)

// kvOptions identify the store a one-shot key/value command talks to.
type kvOptions struct {
	URL   string
	Store string
	DB    string
	Realm string
	Token string
}

func (o *kvOptions) open(ctx context.Context) (*store.Store, error) {
	if o.URL == "" || o.Store == "" {
		return nil, NewExitError(ExitCommandError, "kv: --url and --store are required")
	}
	return store.New(ctx, store.Config{
		Name:  o.Store,
		URL:   o.URL,
		DB:    o.DB,
		Realm: o.Realm,
		Token: o.Token,
	})
}

// NewKVCommand creates the kv command group: a one-shot remote store client.
func NewKVCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &kvOptions{}

	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Talk to a remote store directly",
	}
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "store server URL")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store name")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database name")
	cmd.PersistentFlags().StringVar(&opts.Realm, "realm", "", "authorization realm")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "session token")

	cmd.AddCommand(newKVGetCommand(rootOpts, opts))
	cmd.AddCommand(newKVSetCommand(rootOpts, opts))
	cmd.AddCommand(newKVDelCommand(rootOpts, opts))
	return cmd
}

func newKVGetCommand(rootOpts *RootOptions, opts *kvOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "get <key-or-filter-json>",
		Short:        "Fetch a record by key, or all records matching a JSON filter",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := kvFormatter(rootOpts, cmd)
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			v, err := s.Get(cmd.Context(), keyOrFilter(args[0]))
			if err != nil {
				formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "kv get", err)
			}
			return formatter.Success(printable(v))
		},
	}
}

func newKVSetCommand(rootOpts *RootOptions, opts *kvOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "set <record-json>",
		Short:        "Store or merge a record",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := kvFormatter(rootOpts, cmd)
			var rec store.Record
			if err := json.Unmarshal([]byte(args[0]), &rec); err != nil {
				return WrapExitError(ExitCommandError, "kv set: record must be a JSON object", err)
			}

			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			key, err := s.Set(cmd.Context(), rec)
			if err != nil {
				formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "kv set", err)
			}
			return formatter.Success(key)
		},
	}
}

func newKVDelCommand(rootOpts *RootOptions, opts *kvOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "del <key>",
		Short:        "Delete a record by key",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := kvFormatter(rootOpts, cmd)
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Delete(cmd.Context(), args[0]); err != nil {
				formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "kv del", err)
			}
			return formatter.Success(store.DeletedSentinel)
		},
	}
}

func kvFormatter(rootOpts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}
}

// keyOrFilter treats an argument that parses as a JSON object as a filter
// query; anything else is a plain key.
func keyOrFilter(arg string) any {
	var filter map[string]any
	if err := json.Unmarshal([]byte(arg), &filter); err == nil {
		return filter
	}
	return arg
}
