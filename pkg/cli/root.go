// Package cli implements the duck command line client for the analytics
// query server.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

const defaultHost = "http://localhost:8080"

// globalFlags holds the resolved persistent flags of one invocation.
type globalFlags struct {
	host    string
	token   string
	output  string
	profile string
	team    int64
	quiet   bool
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	gf := &globalFlags{}
	root := newRootCmd(gf)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if gf.output == OutputJSON {
			body := map[string]any{"error": err.Error()}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				body["http_status"] = apiErr.HTTPStatus
				body["code"] = apiErr.Code
				if apiErr.RequestID != "" {
					body["request_id"] = apiErr.RequestID
				}
			}
			_ = PrintJSON(stderr, body)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(gf *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "duck",
		Short:         "Command line client for the analytics query server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := resolveGlobalFlags(cmd, gf); err != nil {
				return err
			}
			return validateOutputFormat(gf.output)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&gf.host, "host", "", "Server URL (env DUCK_HOST, default "+defaultHost+")")
	pf.StringVar(&gf.token, "token", "", "Bearer token (env DUCK_TOKEN)")
	pf.StringVarP(&gf.output, "output", "o", "", "Output format: table or json (env DUCK_OUTPUT)")
	pf.StringVarP(&gf.profile, "profile", "p", "", "Configuration profile to use")
	pf.Int64Var(&gf.team, "team", 0, "Team id to query (env DUCK_TEAM)")
	pf.BoolVarP(&gf.quiet, "quiet", "q", false, "Suppress informational messages")

	root.AddCommand(
		newQueryCmd(gf),
		newSchemaCmd(gf),
		newTablesCmd(gf),
		newConfigCmd(gf),
		newVersionCmd(),
	)
	return root
}

// resolveGlobalFlags applies precedence: flag, then environment, then
// profile, then default.
func resolveGlobalFlags(cmd *cobra.Command, gf *globalFlags) error {
	cfg, err := LoadUserConfig()
	if err != nil {
		return err
	}
	prof := cfg.Profile(gf.profile)
	flags := cmd.Flags()

	if !flags.Changed("host") {
		gf.host = firstNonEmpty(os.Getenv("DUCK_HOST"), prof.Host, defaultHost)
	}
	if !flags.Changed("token") {
		gf.token = firstNonEmpty(os.Getenv("DUCK_TOKEN"), prof.Token)
	}
	if !flags.Changed("output") {
		gf.output = firstNonEmpty(os.Getenv("DUCK_OUTPUT"), prof.Output, OutputTable)
	}
	if !flags.Changed("team") {
		if env := os.Getenv("DUCK_TEAM"); env != "" {
			team, err := strconv.ParseInt(env, 10, 64)
			if err != nil {
				return fmt.Errorf("DUCK_TEAM: %q is not a team id", env)
			}
			gf.team = team
		} else {
			gf.team = prof.Team
		}
	}
	return nil
}

func (gf *globalFlags) client() *Client {
	return NewClient(gf.host, gf.token)
}

// teamPath returns the API prefix of the selected team.
func (gf *globalFlags) teamPath() (string, error) {
	if gf.team <= 0 {
		return "", errors.New("no team selected: pass --team, set DUCK_TEAM or configure a profile")
	}
	return fmt.Sprintf("/api/environments/%d", gf.team), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
