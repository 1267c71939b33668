package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// queryRequest mirrors the body accepted by POST .../query.
type queryRequest struct {
	Query         json.RawMessage `json:"query"`
	Refresh       string          `json:"refresh,omitempty"`
	ClientQueryID string          `json:"client_query_id,omitempty"`
	Explain       bool            `json:"explain,omitempty"`
}

// queryResponse picks the envelope fields the CLI renders.
type queryResponse struct {
	Results     json.RawMessage `json:"results"`
	CacheKey    string          `json:"cache_key"`
	IsCached    bool            `json:"is_cached"`
	Error       string          `json:"error"`
	QueryStatus *queryStatus    `json:"query_status"`
}

type queryStatus struct {
	ID           string  `json:"id"`
	QueryKind    string  `json:"query_kind"`
	Complete     bool    `json:"complete"`
	Error        bool    `json:"error"`
	ErrorMessage *string `json:"error_message"`
	StartTime    string  `json:"start_time"`
	EndTime      *string `json:"end_time"`
	Attempts     int     `json:"attempts"`
}

type tabular struct {
	Columns []string `json:"columns"`
	Results [][]any  `json:"results"`
	HasMore bool     `json:"hasMore"`
}

func newQueryCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run and inspect queries",
	}
	cmd.AddCommand(newQueryRunCmd(gf), newQueryStatusCmd(gf), newQueryCancelCmd(gf))
	return cmd
}

func newQueryRunCmd(gf *globalFlags) *cobra.Command {
	var (
		file    string
		hogql   string
		refresh string
		req     queryRequest
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a query",
		Long: "Execute a query. The query is read from --file, built from --hogql, " +
			"or read from stdin as a JSON query object.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefix, err := gf.teamPath()
			if err != nil {
				return err
			}
			body, err := readQuery(cmd.InOrStdin(), file, hogql)
			if err != nil {
				return err
			}
			req.Query = body
			req.Refresh = refresh

			_, data, err := gf.client().Do(cmd.Context(), http.MethodPost, prefix+"/query", nil, req)
			if err != nil {
				return err
			}
			if gf.output == OutputJSON {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return renderQueryResponse(cmd.OutOrStdout(), cmd.ErrOrStderr(), gf.quiet, data)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to a JSON query object")
	cmd.Flags().StringVar(&hogql, "hogql", "", "HogQL text to run as a HogQLQuery")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Refresh policy, e.g. blocking, force_blocking or async")
	cmd.Flags().StringVar(&req.ClientQueryID, "client-query-id", "", "Caller-chosen id for the query status")
	cmd.Flags().BoolVar(&req.Explain, "explain", false, "Include the engine plan")
	cmd.MarkFlagsMutuallyExclusive("file", "hogql")
	return cmd
}

func readQuery(stdin io.Reader, file, hogql string) (json.RawMessage, error) {
	switch {
	case hogql != "":
		return json.Marshal(map[string]string{"kind": "HogQLQuery", "query": hogql})
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read query file: %w", err)
		}
		return validJSON(data)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read query from stdin: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, errors.New("no query given: use --file, --hogql or pipe JSON on stdin")
		}
		return validJSON(data)
	}
}

func validJSON(data []byte) (json.RawMessage, error) {
	if !json.Valid(data) {
		return nil, errors.New("query is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func renderQueryResponse(out, errOut io.Writer, quiet bool, data []byte) error {
	var resp queryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	noResults := len(resp.Results) == 0 || string(resp.Results) == "null"
	if resp.QueryStatus != nil && noResults {
		fmt.Fprintf(out, "query %s queued; check with: duck query status %s\n", resp.QueryStatus.ID, resp.QueryStatus.ID)
		return nil
	}
	if noResults {
		fmt.Fprintf(out, "no cached result for %s\n", resp.CacheKey)
		return nil
	}

	var tab tabular
	if err := json.Unmarshal(resp.Results, &tab); err == nil && len(tab.Columns) > 0 {
		if err := PrintTable(out, tab.Columns, formatRows(tab.Results)); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintf(errOut, "%d rows", len(tab.Results))
			if tab.HasMore {
				fmt.Fprint(errOut, " (more available)")
			}
			if resp.IsCached {
				fmt.Fprint(errOut, ", cached")
			}
			fmt.Fprintln(errOut)
		}
		return nil
	}
	// Non-tabular kinds have their own shapes.
	return PrintJSON(out, resp.Results)
}

func newQueryStatusCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of an async query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := gf.teamPath()
			if err != nil {
				return err
			}
			_, data, err := gf.client().Do(cmd.Context(), http.MethodGet, prefix+"/query/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			if gf.output == OutputJSON {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			var body struct {
				QueryStatus queryStatus `json:"query_status"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			s := body.QueryStatus
			state := "running"
			switch {
			case s.Complete && s.Error:
				state = "error"
			case s.Complete:
				state = "complete"
			}
			errMsg, end := "", ""
			if s.ErrorMessage != nil {
				errMsg = *s.ErrorMessage
			}
			if s.EndTime != nil {
				end = *s.EndTime
			}
			return PrintTable(cmd.OutOrStdout(),
				[]string{"ID", "KIND", "STATE", "ATTEMPTS", "STARTED", "ENDED", "ERROR"},
				[][]string{{s.ID, s.QueryKind, state, fmt.Sprint(s.Attempts), s.StartTime, end, errMsg}})
		},
	}
}

func newQueryCancelCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an async query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := gf.teamPath()
			if err != nil {
				return err
			}
			_, data, err := gf.client().Do(cmd.Context(), http.MethodDelete, prefix+"/query/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			if gf.output == OutputJSON {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			var body struct {
				Outcome string `json:"outcome"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "query %s: %s\n", args[0], body.Outcome)
			return nil
		},
	}
}
