package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefionn/flowsync/internal/secrets"
)

func newSealCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <value>",
		Short: "Encrypt a secret for use in the config file",
		Long: "Encrypt a secret such as analyzer.api_key. The password is read from " +
			secrets.PasswordEnv + " or prompted for.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := sealPassword()
			if err != nil {
				return err
			}
			sealed, err := secrets.Seal(args[0], password)
			if err != nil {
				return fmt.Errorf("seal value: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
