package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/caravel-dev/caravel/pkg/report"
	"github.com/caravel-dev/caravel/pkg/secretstore"
)

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Read and write entries in the secret backend",
	}

	cmd.AddCommand(newSecretGetCommand())
	cmd.AddCommand(newSecretPutCommand())
	cmd.AddCommand(newSecretExportCommand())
	cmd.AddCommand(newSecretHealthCommand())

	return cmd
}

func newSecretGetCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a secret path or a single key",
		Args:  cobra.ExactArgs(1),
		Example: `  # Read every key at a path
  caravel secret get apps/api

  # Read one key
  caravel secret get apps/api --key db_password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			client, err := app.secretClient()
			if err != nil {
				return err
			}

			path := args[0]
			if key != "" {
				value, err := client.Get(cmd.Context(), path, key)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout, value)
				return nil
			}

			data, err := client.GetAll(cmd.Context(), path)
			if err != nil {
				return err
			}
			if jsonOutput {
				return report.WriteJSONValue(os.Stdout, data)
			}
			keys := make([]string, 0, len(data))
			for k := range data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(os.Stdout, "%s=%s\n", k, data[k])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "read a single key instead of the whole path")

	return cmd
}

func newSecretPutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <path> <key> <value>",
		Short: "Set one key at a path, preserving the other keys",
		Args:  cobra.ExactArgs(3),
		Example: `  # Add or replace one key without touching the rest
  caravel secret put apps/api db_password hunter2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			client, err := app.secretClient()
			if err != nil {
				return err
			}

			path, key, value := args[0], args[1], args[2]
			if err := client.Merge(cmd.Context(), path, key, value); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "wrote %s/%s\n", path, key)
			return nil
		},
	}

	return cmd
}

func newSecretExportCommand() *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export named path/key sets as JSON",
		Long: `Export a named set of secret paths and keys in one pass.

The export spec is a JSON object mapping names to {"path": ..., "keys":
[...]} entries. Any missing path or key aborts the whole export and
names the failing entry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			client, err := app.secretClient()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(specFile)
			if err != nil {
				return fmt.Errorf("failed to read export spec %s: %w", specFile, err)
			}
			var spec secretstore.ExportSpec
			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("failed to parse export spec %s: %w", specFile, err)
			}

			out, err := client.ExportAll(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return report.WriteJSONValue(os.Stdout, out)
		},
	}

	cmd.Flags().StringVarP(&specFile, "spec", "f", "", "export spec file (JSON)")
	_ = cmd.MarkFlagRequired("spec")

	return cmd
}

func newSecretHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the secret backend is reachable and unsealed",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			client, err := app.secretClient()
			if err != nil {
				return err
			}

			healthy, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if !healthy {
				fmt.Fprintln(os.Stdout, "secret backend is sealed or uninitialized")
				return &exitCodeError{code: 1}
			}
			fmt.Fprintln(os.Stdout, "secret backend is healthy")
			return nil
		},
	}

	return cmd
}
