package cli

import (
	"errors"
	"fmt"
	"net/http"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mosaicrt/mosaic/internal/server"
	"github.com/mosaicrt/mosaic/internal/store"
)

// NewServeCommand creates the serve command: a standalone remote-store
// server speaking the wire protocol over HTTP and a websocket channel.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr  string
		path  string
		token string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote store server",
		Long: `Serve the remote store protocol: stateless calls on POST / and the
multiplexed channel on /channel. Without --db stores live in memory;
with it they persist to the given SQLite file.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []server.Option
			if path != "" {
				opts = append(opts, server.WithPath(path))
			}
			if token != "" {
				expected := token
				opts = append(opts, server.WithTokenCheck(func(got string) error {
					if got != expected {
						return store.ErrAuthExpired
					}
					return nil
				}))
			}

			srv := server.New(opts...)
			defer srv.Close()

			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
			go func() {
				<-cmd.Context().Done()
				httpSrv.Close()
			}()

			slog.Info("store server listening", "addr", addr, "db", path)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8137", "listen address")
	cmd.Flags().StringVar(&path, "db", "", "SQLite file backing all stores (default: in-memory)")
	cmd.Flags().StringVar(&token, "token", "", "require this session token on every call")

	return cmd
}
