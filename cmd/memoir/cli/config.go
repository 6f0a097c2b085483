package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/felixgeelhaar/memoir/internal/config"
	"github.com/felixgeelhaar/memoir/internal/credential"
	"github.com/felixgeelhaar/memoir/internal/provider"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(
		newConfigSetCmd(o),
		newConfigGetCmd(o),
		newConfigInitCmd(o),
		newConfigShowCmd(o),
		newConfigValidateCmd(o),
	)
	return cmd
}

func newConfigSetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Store a value in the database, encrypting secrets such as openai.api_key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, vault, err := o.openStoreOnly(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := vault.Set(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", args[0])
			return nil
		},
	}
}

func newConfigGetCmd(o *options) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Read a value stored with config set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, vault, err := o.openStoreOnly(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			val, err := vault.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch {
			case val == "":
				fmt.Fprintln(w, "(not set)")
			case credential.IsSecretKey(args[0]) && !reveal:
				fmt.Fprintln(w, credential.MaskSecret(val))
			default:
				fmt.Fprintln(w, val)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secrets unmasked")
	return cmd
}

func newConfigInitCmd(o *options) *cobra.Command {
	var (
		force  bool
		detect bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := o.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}

			cfg := config.Default()
			if o.dbPath != "" {
				cfg.Store.Path = o.dbPath
			}
			if o.provider != "" {
				cfg.Provider.Name = o.provider
			}
			cfg.Provider.Model = o.model
			if detect {
				p, err := provider.DetectCLIProvider()
				if err != nil {
					return err
				}
				cfg.Provider.Name = "cli"
				cfg.Provider.Command, cfg.Provider.Args = p.Command()
			}
			if err := cfg.Validate().Err(); err != nil {
				return err
			}
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&detect, "detect", false, "Use the first model CLI found on PATH as the provider")
	return cmd
}

func newConfigShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			return o.emit(cmd, cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				enc.Encode(cfg)
				enc.Close()
			})
		},
	}
}

func newConfigValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(o.configPath)
			if err != nil {
				return err
			}
			if _, err := buildExtractor(cfg.Extraction); err != nil {
				return fmt.Errorf("invalid extraction rules: %w", err)
			}
			res := cfg.Validate()
			if err := o.emit(cmd, res, func(w io.Writer) {
				for _, warn := range res.Warnings {
					fmt.Fprintf(w, "warning: %s\n", warn)
				}
				for _, e := range res.Errors {
					fmt.Fprintf(w, "error: %s\n", e)
				}
				if res.Valid {
					fmt.Fprintln(w, "Configuration is valid.")
				}
			}); err != nil {
				return err
			}
			if !res.Valid {
				return errors.New("configuration is invalid")
			}
			return nil
		},
	}
}
