package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"odsflow/internal/config"
	"odsflow/internal/ui"
	apperrors "odsflow/pkg/errors"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the store password",
	Long: `The store password in the config file may be plain text, an encrypted
ENC[...] value or a keyring:<name> reference to the OS keychain.

Encrypted values use ODSFLOW_ENCRYPTION_KEY when it is set, otherwise a
key derived from this machine.`,
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Print the ENC[...] form of a value",
	Long: `Encrypt a value for store.password. Without an argument the value is
prompted for on a terminal, or read from stdin when it is piped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := secretValue(cmd.InOrStdin(), args, 0)
		if err != nil {
			return err
		}
		encrypted, err := config.EncryptPassword(value)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeSecretResolution, "Failed to encrypt value")
		}
		fmt.Fprintln(cmd.OutOrStdout(), encrypted)
		return nil
	},
}

var secretStoreCmd = &cobra.Command{
	Use:   "store <name> [value]",
	Short: "Save a value in the OS keychain",
	Long:  `Store a value in the OS keychain and print the keyring:<name> reference for store.password.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := secretValue(cmd.InOrStdin(), args, 1)
		if err != nil {
			return err
		}
		ref, err := config.StoreSecret(args[0], value)
		if err != nil {
			return err
		}
		ui.ShowSuccess(fmt.Sprintf("Stored %q in the OS keychain", args[0]))
		ui.PrintKeyValue("password", ref)
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a value from the OS keychain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DeleteSecret(args[0]); err != nil {
			return err
		}
		ui.ShowSuccess(fmt.Sprintf("Deleted %q from the OS keychain", args[0]))
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretEncryptCmd, secretStoreCmd, secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}

// secretValue returns args[i]. When absent it prompts without echo on a
// terminal and otherwise reads the first line of in.
func secretValue(in io.Reader, args []string, i int) (string, error) {
	if len(args) > i {
		return args[i], nil
	}
	if ui.Interactive(in) {
		return ui.AskPassword("Value")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "Failed to read value from stdin")
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "Empty value").
			WithSuggestions("Pass the value as an argument or pipe it on stdin")
	}
	return value, nil
}
