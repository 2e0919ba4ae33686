package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobsched/internal/client"
	"jobsched/internal/domain"
)

var (
	serverURL string
	token     string
)

func newClient() *client.Client {
	return client.New(serverURL, token)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Command line client for a jobsched server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", client.DefaultServer, "jobsched server URL")
	root.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("JOBSCHED_SERVER_API_TOKEN"), "API token sent as x-token")

	root.AddCommand(
		healthCmd(),
		countCmd(),
		createHTTPCmd(),
		listCmd(),
		getCmd(),
		executionsCmd(),
		removeCmd(),
		clearCmd(),
	)
	return root
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": status})
		},
	}
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of pending jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := newClient().Count(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"num_jobs": n})
		},
	}
}

// parseHeaders turns repeated k=v flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Newf("header %q must be key=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func createHTTPCmd() *cobra.Command {
	var (
		name, category, method, body, runAt string
		headers                             []string
		timeout                             time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create-http URL",
		Short: "Schedule a single HTTP request",
		Long:  "Schedule a single HTTP request. Follow-up actions are not supported from the command line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdrs, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if timeout < 0 || (timeout > 0 && timeout < time.Second) {
				return errors.Newf("--timeout must be 0 or at least 1s, got %s", timeout)
			}
			action := &domain.HTTPAction{
				URL:     args[0],
				Method:  strings.ToUpper(method),
				Headers: hdrs,
				Timeout: int((timeout + time.Second - 1) / time.Second),
			}
			if cmd.Flags().Changed("body") {
				action.Body = &body
			}
			if runAt == "" {
				runAt = time.Now().Format(time.RFC3339)
			}
			id, err := newClient().Create(cmd.Context(), client.NewJob{
				Name:     name,
				Category: category,
				RunAt:    runAt,
				Action:   domain.Action{HTTP: action},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": "success", "job_uuid": id})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "http_job", "job name")
	f.StringVar(&category, "category", "", "job category")
	f.StringVar(&method, "method", "GET", "HTTP method")
	f.StringArrayVar(&headers, "header", nil, "request header as key=value (repeatable)")
	f.StringVar(&body, "body", "", "request body")
	f.StringVar(&runAt, "run-at", "", "ISO 8601 time to run at (default now)")
	f.DurationVar(&timeout, "timeout", 0, "request timeout (default: server setting)")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled and running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := newClient().List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func executionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executions ID",
		Short: "Show the recorded action attempts of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			execs, err := newClient().Executions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), execs)
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a job that has not started yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": "success", "job_uuid": args[0]})
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every job that has not started yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := newClient().Clear(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"status": "success", "num_jobs": n})
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
