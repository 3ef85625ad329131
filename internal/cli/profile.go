package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/slurmssh/internal/config"
	"github.com/tOgg1/slurmssh/internal/logging"
)

type profileFlags struct {
	sshHost     string
	hostname    string
	username    string
	keyFile     string
	port        int
	proxyJump   string
	description string
}

func (f *profileFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.sshHost, "ssh-host", "", "ssh_config Host alias to connect through")
	flags.StringVar(&f.hostname, "hostname", "", "login node hostname")
	flags.StringVar(&f.username, "username", "", "SSH username")
	flags.StringVar(&f.keyFile, "key-file", "", "SSH private key file")
	flags.IntVar(&f.port, "port", 22, "SSH port")
	flags.StringVar(&f.proxyJump, "proxy-jump", "", "jump hosts as [user@]host[:port],...")
	flags.StringVar(&f.description, "description", "", "free-form description")
}

// apply copies the flags that were set onto p.
func (f *profileFlags) apply(flags *pflag.FlagSet, p *config.Profile) {
	set := func(name string, dst *string, value string) {
		if flags.Changed(name) {
			*dst = strings.TrimSpace(value)
		}
	}
	set("ssh-host", &p.SSHHost, f.sshHost)
	set("hostname", &p.Hostname, f.hostname)
	set("username", &p.Username, f.username)
	set("key-file", &p.KeyFile, f.keyFile)
	set("proxy-jump", &p.ProxyJump, f.proxyJump)
	set("description", &p.Description, f.description)
	if flags.Changed("port") {
		p.Port = f.port
	}
}

func newProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profile",
		Aliases: []string{"profiles"},
		Short:   "Manage saved cluster profiles",
	}
	cmd.AddCommand(
		newProfileAddCmd(a),
		newProfileUpdateCmd(a),
		newProfileListCmd(a),
		newProfileShowCmd(a),
		newProfileUseCmd(a),
		newProfileRemoveCmd(a),
		newProfileEnvCmd(a),
	)
	return cmd
}

func newProfileAddCmd(a *app) *cobra.Command {
	var (
		f       profileFlags
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Save a new profile",
		Example: "  slurmssh profile add gpu --ssh-host gpu-cluster\n" +
			"  slurmssh profile add lab --hostname login.example.org --username alice --key-file ~/.ssh/id_ed25519",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var p config.Profile
			f.apply(cmd.Flags(), &p)
			if p.SSHHost == "" && p.Port == 0 {
				p.Port = f.port
			}
			if err := a.profiles().Add(name, p, replace); err != nil {
				if errors.Is(err, config.ErrProfileExists) {
					return &PreflightError{Message: "could not save profile", Hint: "Pass --replace or use `slurmssh profile update`", Err: err}
				}
				return err
			}
			fmt.Fprintf(a.stdout, "Saved profile %q (%s)\n", name, p.Target())
			printNextSteps(a.stdout, HintContext{Action: "profile_add", ProfileName: name})
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite an existing profile")
	return cmd
}

func newProfileUpdateCmd(a *app) *cobra.Command {
	var f profileFlags
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Change fields of a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			store := a.profiles()
			existing, err := store.Get(name)
			if err != nil {
				return err
			}
			p := *existing
			f.apply(cmd.Flags(), &p)
			if err := store.Add(name, p, true); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Updated profile %q (%s)\n", name, p.Target())
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}

type profileListEntry struct {
	Name        string `json:"name"`
	Current     bool   `json:"current"`
	Target      string `json:"target"`
	ProxyJump   string `json:"proxy_jump,omitempty"`
	Description string `json:"description,omitempty"`
	EnvCount    int    `json:"env_count"`
}

func newProfileListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved profiles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.profiles().Load()
			if err != nil {
				return err
			}
			entries := make([]profileListEntry, 0, len(doc.Profiles))
			for _, name := range doc.Names() {
				p := doc.Profiles[name]
				entries = append(entries, profileListEntry{
					Name:        name,
					Current:     name == doc.Current,
					Target:      p.Target(),
					ProxyJump:   p.ProxyJump,
					Description: p.Description,
					EnvCount:    len(p.Env),
				})
			}

			if asJSON {
				return writeJSON(a.stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "No profiles saved.")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				marker := ""
				if e.Current {
					marker = "*"
				}
				rows = append(rows, []string{marker, e.Name, e.Target, fmt.Sprint(e.EnvCount), truncate(e.Description, 40)})
			}
			return writeTable(a.stdout, []string{"", "NAME", "TARGET", "ENV", "DESCRIPTION"}, rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newProfileShowCmd(a *app) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show [NAME]",
		Short: "Show a profile (default: the current one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.profiles()
			var (
				name string
				p    *config.Profile
				err  error
			)
			if len(args) == 1 {
				name = args[0]
				p, err = store.Get(name)
			} else {
				name, p, err = store.Current()
			}
			if err != nil {
				return err
			}

			shown := *p
			if !reveal && len(p.Env) > 0 {
				shown.Env = make(map[string]string, len(p.Env))
				for k, v := range p.Env {
					if logging.IsSensitiveField(k) {
						v = logging.RedactedValue
					}
					shown.Env[k] = v
				}
			}
			data, err := yaml.Marshal(map[string]*config.Profile{name: &shown})
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "show secret environment values")
	return cmd
}

func newProfileUseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "use NAME",
		Aliases: []string{"set"},
		Short:   "Make a profile the default",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.profiles().SetCurrent(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Current profile: %s\n", args[0])
			return nil
		},
	}
}

func newProfileRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.profiles().Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Removed profile %q\n", args[0])
			return nil
		},
	}
}

func newProfileEnvCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage environment variables exported with a profile's jobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set NAME KEY VALUE",
			Short: "Set a variable",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				name, key, value := args[0], args[1], args[2]
				if err := validEnvName(key); err != nil {
					return err
				}
				if err := a.profiles().SetEnv(name, key, &value); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Set %s for profile %q\n", key, name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "unset NAME KEY",
			Short: "Remove a variable",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.profiles().SetEnv(args[0], args[1], nil); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Unset %s for profile %q\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list NAME",
			Short: "List variables",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := a.profiles().Get(args[0])
				if err != nil {
					return err
				}
				if len(p.Env) == 0 {
					fmt.Fprintf(a.stdout, "Profile %q has no environment variables.\n", args[0])
					return nil
				}
				keys := make([]string, 0, len(p.Env))
				for k := range p.Env {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				rows := make([][]string, 0, len(keys))
				for _, k := range keys {
					v := p.Env[k]
					if logging.IsSensitiveField(k) {
						v = logging.RedactedValue
					}
					rows = append(rows, []string{k, v})
				}
				return writeTable(a.stdout, []string{"KEY", "VALUE"}, rows)
			},
		},
	)
	return cmd
}

func validEnvName(key string) error {
	if key == "" {
		return errors.New("variable name is required")
	}
	for i, r := range key {
		letter := r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
		if !letter && (i == 0 || r < '0' || r > '9') {
			return fmt.Errorf("invalid environment variable name %q", key)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
