package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/banksync/internal/api"
)

// ------- credentials -------

// parseCredentials merges a JSON object read from file ("-" for stdin) with
// key=value pairs; pairs win on conflict.
func parseCredentials(pairs []string, file string) (map[string]string, error) {
	creds := map[string]string{}
	if file != "" {
		b, err := readAll(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &creds); err != nil {
			return nil, fmt.Errorf("credentials file: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("credential %q: want key=value", p)
		}
		creds[k] = v
	}
	if len(creds) == 0 {
		return nil, errors.New("no credentials given (use --cred key=value or --cred-file)")
	}
	return creds, nil
}

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// ------- validators -------

func requireUUID(name, s string) error {
	if s == "" {
		return fmt.Errorf("%s is required", name)
	}
	if _, err := u.FromString(s); err != nil {
		return fmt.Errorf("%s: not a uuid: %q", name, s)
	}
	return nil
}

// ------- progress -------

func progressLine(p *api.JobGroupProgress) string {
	return fmt.Sprintf("%3d%%  %d/%d done  (%d ok, %d failed, %d running, %d queued)",
		p.Percent, p.Succeeded+p.Failed, p.Total, p.Succeeded, p.Failed, p.Running, p.Queued)
}

// waitProgress polls the job group until it completes or ctx ends, writing a
// line per observed change.
func waitProgress(
	ctx context.Context, w io.Writer, every time.Duration,
	get func(context.Context) (*api.JobGroupProgress, error),
) (*api.JobGroupProgress, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	last := ""
	for {
		p, err := get(ctx)
		if err != nil {
			return nil, err
		}
		if line := progressLine(p); line != last {
			fmt.Fprintln(w, line)
			last = line
		}
		if p.IsComplete {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-t.C:
		}
	}
}

// ------- tables -------

func writeStatusTable(w io.Writer, st *api.SyncStatusResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tPROVIDER\tSTATE\tLAST SYNC\tERROR")
	for _, a := range st.Accounts {
		last := "-"
		if a.LastSyncedAt != nil {
			last = a.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		errText := a.Error
		if a.ErrorKind != "" {
			errText = a.ErrorKind + ": " + a.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Name, a.ProviderType, a.State, last, errText)
	}
	s := st.Summary
	fmt.Fprintf(tw, "\ntotal %d: %d idle, %d queued, %d syncing, %d completed, %d failed\n",
		s.Total, s.Idle, s.Queued, s.Syncing, s.Completed, s.Failed)
	return tw.Flush()
}

func writeConnectionsTable(w io.Writer, conns []api.Connection) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tNAME\tSTATUS\tFAILURES")
	for _, c := range conns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", c.ID, c.ProviderType, c.ProviderName, c.Status, c.ConsecutiveFailures)
	}
	return tw.Flush()
}
