package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatewarden/internal/util"
)

var hashPasswordFlags struct {
	password string
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print an argon2id hash for an accounts entry",
	Long: `Hash a password for the password_hash field of a configured account.
Without --password the first line of stdin is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := hashPasswordFlags.password
		if password == "" {
			var err error
			password, err = readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}
		hash, err := util.HashPassword(password, util.DefaultPasswordParams())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
	hashPasswordCmd.Flags().StringVar(&hashPasswordFlags.password, "password", "", "Password to hash (visible in process listings)")
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
