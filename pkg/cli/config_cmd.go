package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

func newConfigCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI profiles",
	}
	cmd.AddCommand(newConfigShowCmd(gf), newConfigSetProfileCmd(), newConfigUseProfileCmd(gf))
	return cmd
}

func newConfigShowCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show configured profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Profiles))
			for name := range cfg.Profiles {
				names = append(names, name)
			}
			sort.Strings(names)

			if gf.output == OutputJSON {
				masked := make(map[string]Profile, len(names))
				for _, name := range names {
					p := *cfg.Profiles[name]
					p.Token = maskSecret(p.Token)
					masked[name] = p
				}
				return PrintJSON(cmd.OutOrStdout(), map[string]any{
					"current_profile": cfg.CurrentProfile,
					"profiles":        masked,
				})
			}

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				p := cfg.Profiles[name]
				current := ""
				if name == cfg.CurrentProfile {
					current = "*"
				}
				team := ""
				if p.Team > 0 {
					team = strconv.FormatInt(p.Team, 10)
				}
				rows = append(rows, []string{current, name, p.Host, team, maskSecret(p.Token), p.Output})
			}
			return PrintTable(cmd.OutOrStdout(), []string{"CURRENT", "NAME", "HOST", "TEAM", "TOKEN", "OUTPUT"}, rows)
		},
	}
}

func newConfigSetProfileCmd() *cobra.Command {
	var p Profile
	cmd := &cobra.Command{
		Use:   "set-profile <name>",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(p.Output); err != nil {
				return err
			}
			cfg, err := LoadUserConfig()
			if err != nil {
				return err
			}
			existing, ok := cfg.Profiles[args[0]]
			if !ok || existing == nil {
				existing = &Profile{}
				cfg.Profiles[args[0]] = existing
			}
			flags := cmd.Flags()
			if flags.Changed("host") {
				existing.Host = p.Host
			}
			if flags.Changed("token") {
				existing.Token = p.Token
			}
			if flags.Changed("team") {
				existing.Team = p.Team
			}
			if flags.Changed("output") {
				existing.Output = p.Output
			}
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %q saved\n", args[0])
			return nil
		},
	}
	// Local flags shadow the persistent ones so values land in the profile.
	cmd.Flags().StringVar(&p.Host, "host", "", "Server URL")
	cmd.Flags().StringVar(&p.Token, "token", "", "Bearer token")
	cmd.Flags().Int64Var(&p.Team, "team", 0, "Default team id")
	cmd.Flags().StringVarP(&p.Output, "output", "o", "", "Default output format")
	return cmd
}

func newConfigUseProfileCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Select the profile used by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				return err
			}
			if _, ok := cfg.Profiles[args[0]]; !ok {
				return fmt.Errorf("profile %q does not exist", args[0])
			}
			cfg.CurrentProfile = args[0]
			if err := SaveUserConfig(cfg); err != nil {
				return err
			}
			if !gf.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "now using profile %q\n", args[0])
			}
			return nil
		},
	}
}
