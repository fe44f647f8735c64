package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/respsel/pkg/cli"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage artifact store contexts",
	Long: `Manage named artifact stores.

A context names a local directory or an S3 location together with its
credentials and metrics database, similar to kubectl's context management.

Configuration is stored in ~/.respsel/respsel/config.yaml`,
}

var contextAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a context",
	Long: `Add or replace a context.

Example:
  respsel context add local --store ./models
  respsel context add prod --store s3://models/faq --region eu-west-1 \
    --access-key AKIA... --secret-key ...
  respsel context add minio --store s3://models --endpoint http://localhost:9000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		ctx := &cli.Context{}
		for flag, dst := range map[string]*string{
			"store":      &ctx.Store,
			"endpoint":   &ctx.Endpoint,
			"region":     &ctx.Region,
			"access-key": &ctx.AccessKey,
			"secret-key": &ctx.SecretKey,
			"metrics-db": &ctx.MetricsDB,
		} {
			v, err := f.GetString(flag)
			if err != nil {
				return fmt.Errorf("failed to read '%s' flag: %w", flag, err)
			}
			*dst = v
		}
		if err := getConfig().AddContext(args[0], ctx); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q added", args[0])
		return nil
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getConfig().DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		return nil
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getConfig().UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var contextListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		if len(cfg.Contexts) == 0 {
			cli.PrintInfo("No contexts configured")
			return nil
		}
		return outputResult(contextTable{cfg})
	},
}

func init() {
	f := contextAddCmd.Flags()
	f.String("store", "", "directory or s3://bucket/prefix URL (required)")
	f.String("endpoint", "", "S3 endpoint override")
	f.String("region", "", "S3 region")
	f.String("access-key", "", "S3 access key id")
	f.String("secret-key", "", "S3 secret access key")
	f.String("metrics-db", "", "metrics database directory")
	_ = contextAddCmd.MarkFlagRequired("store")

	contextCmd.AddCommand(contextAddCmd)
	contextCmd.AddCommand(contextDeleteCmd)
	contextCmd.AddCommand(contextUseCmd)
	contextCmd.AddCommand(contextListCmd)
}

// contextTable lists contexts with masked credentials.
type contextTable struct {
	cfg *cli.Config
}

type contextView struct {
	Name      string `yaml:"name" json:"name"`
	Current   bool   `yaml:"current" json:"current"`
	Store     string `yaml:"store" json:"store"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty" json:"access_key,omitempty"`
	MetricsDB string `yaml:"metrics_db,omitempty" json:"metrics_db,omitempty"`
}

func (t contextTable) views() []contextView {
	names := t.cfg.ListContexts()
	out := make([]contextView, len(names))
	for i, name := range names {
		c := t.cfg.Contexts[name]
		out[i] = contextView{
			Name:      name,
			Current:   name == t.cfg.CurrentContext,
			Store:     c.Store,
			Endpoint:  c.Endpoint,
			Region:    c.Region,
			AccessKey: cli.MaskSecret(c.AccessKey),
			MetricsDB: c.MetricsDB,
		}
	}
	return out
}

func (t contextTable) MarshalYAML() (any, error) { return t.views(), nil }

func (t contextTable) MarshalJSON() ([]byte, error) { return json.Marshal(t.views()) }

func (contextTable) Header() []string {
	return []string{"current", "name", "store", "region", "access key"}
}

func (t contextTable) Rows() [][]string {
	views := t.views()
	rows := make([][]string, len(views))
	for i, v := range views {
		current := ""
		if v.Current {
			current = "*"
		}
		rows[i] = []string{current, v.Name, v.Store, v.Region, v.AccessKey}
	}
	return rows
}
