package main

import (
	"context"
	"fmt"
	"io"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/banksync/internal/api"
)

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globals{out: out}
	root := &cobra.Command{
		Use:     "banksync",
		Short:   "Client for the bank sync service",
		Version: fmt.Sprintf("%s (built: %s)", version, buildDate),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&g.token, "token", "", "bearer token (defaults to $BANKSYNC_TOKEN, then the saved token)")
	pf.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&g.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&g.plaintext, "plaintext", false, "connect without TLS (dev server without TLS_CERT)")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-command deadline")

	root.AddCommand(
		newVersionCommand(out),
		newTokenCommand(out),
		newProvidersCommand(g),
		newConnectCommand(g),
		newDisconnectCommand(g),
		newConnectionsCommand(g),
		newDetailsCommand(g),
		newAccountsCommand(g),
		newRefreshAccountsCommand(g),
		newLinkCommand(g),
		newRefreshCredentialsCommand(g),
		newSyncCommand(g),
		newAutoSyncCommand(g),
		newStatusCommand(g),
		newProgressCommand(g),
		newJobsCommand(g),
	)
	return root
}

func newVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(out, "banksync %s (%s)\n", version, buildDate)
		},
	}
}

func newTokenCommand(out io.Writer) *cobra.Command {
	var (
		user string
		key  string
		ttl  time.Duration
		save bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token signed with the server JWT_KEY",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			id := u.Must(u.NewV4())
			if user != "" {
				if err := requireUUID("--user", user); err != nil {
					return err
				}
				id = u.FromStringOrNil(user)
			}
			tok, exp, err := mintToken([]byte(key), id, ttl)
			if err != nil {
				return err
			}
			if save {
				if err := saveToken(tok, exp); err != nil {
					return err
				}
			}
			printJSON(out, map[string]any{"user_id": id.String(), "access_token": tok, "expires_at": exp.UTC()})
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&key, "key", "", "HS256 signing key (required)")
	_ = cmd.MarkFlagRequired("key")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token for later commands")
	return cmd
}

func newProvidersCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.ListProviders(ctx, &api.ListProvidersRequest{})
			})
		},
	}
}

func newConnectCommand(g *globals) *cobra.Command {
	var (
		pairs    []string
		file     string
		name     string
		accounts []string
	)
	cmd := &cobra.Command{
		Use:   "connect <provider>",
		Short: "Connect a provider with credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := parseCredentials(pairs, file)
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.Connect(ctx, &api.ConnectRequest{
					ProviderType: args[0],
					Credentials:  creds,
					ProviderName: name,
					AccountIDs:   accounts,
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "cred", nil, "credential key=value (repeatable)")
	cmd.Flags().StringVar(&file, "cred-file", "", "JSON credentials file, - for stdin")
	cmd.Flags().StringVar(&name, "name", "", "connection display name")
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "provider account id to link (repeatable, default all)")
	return cmd
}

func newDisconnectCommand(g *globals) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "disconnect <connection-id>",
		Short: "Disconnect a provider connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUUID("connection id", args[0]); err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.Disconnect(ctx, &api.DisconnectRequest{ConnectionID: args[0], RemoveAssociatedAccounts: remove})
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove-accounts", false, "also disable the linked local accounts")
	return cmd
}

func newConnectionsCommand(g *globals) *cobra.Command {
	var (
		active bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			cc, cli, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer cc.Close()
			resp, err := cli.ListConnections(ctx, &api.ListConnectionsRequest{ActiveOnly: active})
			if err != nil {
				return rpcError(err)
			}
			if asJSON {
				printJSON(g.out, resp)
				return nil
			}
			return writeConnectionsTable(g.out, resp.Connections)
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only active connections")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// connectionCommand builds a command taking a single connection id.
func connectionCommand(
	g *globals, use, short string,
	fn func(ctx context.Context, cli *api.Client, req *api.ConnectionRequest) (any, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <connection-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUUID("connection id", args[0]); err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return fn(ctx, cli, &api.ConnectionRequest{ConnectionID: args[0]})
			})
		},
	}
}

func newDetailsCommand(g *globals) *cobra.Command {
	return connectionCommand(g, "details", "Show a connection with its accounts",
		func(ctx context.Context, cli *api.Client, req *api.ConnectionRequest) (any, error) {
			return cli.GetConnectionDetails(ctx, req)
		})
}

func newAccountsCommand(g *globals) *cobra.Command {
	return connectionCommand(g, "accounts", "List a connection's provider accounts",
		func(ctx context.Context, cli *api.Client, req *api.ConnectionRequest) (any, error) {
			return cli.ListExternalAccounts(ctx, req)
		})
}

func newRefreshAccountsCommand(g *globals) *cobra.Command {
	return connectionCommand(g, "refresh-accounts", "Re-import a connection's account list",
		func(ctx context.Context, cli *api.Client, req *api.ConnectionRequest) (any, error) {
			return cli.RefreshAccounts(ctx, req)
		})
}

func newLinkCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "link <connection-id> <provider-account-id>...",
		Short: "Link provider accounts and sync them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUUID("connection id", args[0]); err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.LinkAccounts(ctx, &api.LinkAccountsRequest{ConnectionID: args[0], AccountIDs: args[1:]})
			})
		},
	}
}

func newRefreshCredentialsCommand(g *globals) *cobra.Command {
	var (
		pairs []string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "refresh-credentials <connection-id>",
		Short: "Replace a connection's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUUID("connection id", args[0]); err != nil {
				return err
			}
			creds, err := parseCredentials(pairs, file)
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.RefreshCredentials(ctx, &api.RefreshCredentialsRequest{ConnectionID: args[0], Credentials: creds})
			})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "cred", nil, "credential key=value (repeatable)")
	cmd.Flags().StringVar(&file, "cred-file", "", "JSON credentials file, - for stdin")
	return cmd
}

func newSyncCommand(g *globals) *cobra.Command {
	var (
		wait  bool
		every time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync all accounts now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			cc, cli, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer cc.Close()
			sum, err := cli.SyncAll(ctx, &api.SyncAllRequest{})
			if err != nil {
				return rpcError(err)
			}
			printJSON(g.out, sum)
			if !wait || sum.JobGroupID == "" {
				return nil
			}
			_, err = waitProgress(ctx, g.out, every, func(ctx context.Context) (*api.JobGroupProgress, error) {
				return cli.GetJobGroupProgress(ctx, &api.GetJobGroupProgressRequest{JobGroupID: sum.JobGroupID})
			})
			return rpcError(err)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll progress until the job group completes")
	cmd.Flags().DurationVar(&every, "every", time.Second, "poll interval with --wait")
	return cmd
}

func newAutoSyncCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "autosync",
		Short: "Trigger an automatic sync unless one ran recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.TriggerAutoSync(ctx, &api.TriggerAutoSyncRequest{})
			})
		},
	}
}

func newStatusCommand(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-account sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			cc, cli, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer cc.Close()
			st, err := cli.GetSyncStatus(ctx, &api.GetSyncStatusRequest{})
			if err != nil {
				return rpcError(err)
			}
			if asJSON {
				printJSON(g.out, st)
				return nil
			}
			return writeStatusTable(g.out, st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newProgressCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <job-group-id>",
		Short: "Show progress of a job group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUUID("job group id", args[0]); err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.GetJobGroupProgress(ctx, &api.GetJobGroupProgressRequest{JobGroupID: args[0]})
			})
		},
	}
}

func newJobsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List queued and running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.call(cmd, func(ctx context.Context, cli *api.Client) (any, error) {
				return cli.ListActiveJobs(ctx, &api.ListActiveJobsRequest{})
			})
		},
	}
}
