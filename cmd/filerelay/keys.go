package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"filerelay/crypto"
)

var (
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Create the host key if missing and print its public half",
		Long: `Create the Ed25519 host key at key_path unless it exists, then print the
public key and fingerprint. Partners reference the .pub file written next
to the key through hosts[].public_key_path.`,
		Args: cobra.NoArgs,
		RunE: keygenMain,
	}

	hashPasswordCmd = &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password on stdin and print its bcrypt hash for hosts[].password_hash",
		Args:  cobra.NoArgs,
		RunE:  hashPasswordMain,
	}
)

func init() {
	rootCmd.AddCommand(keygenCmd, hashPasswordCmd)
}

func keygenMain(cmd *cobra.Command, _ []string) error {
	key, err := crypto.EnsureHostKey(cfg.KeyPath)
	if err != nil {
		return errors.Wrap(err, "failed to prepare host key")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key file:     %s\n", cfg.KeyPath)
	fmt.Fprintf(out, "Public key:   %s\n", crypto.EncodePublicKey(key.Public))
	fmt.Fprintf(out, "Fingerprint:  %s\n", crypto.Fingerprint(key.Public))
	return nil
}

func hashPasswordMain(cmd *cobra.Command, _ []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return errors.Wrap(err, "failed to read password")
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password is empty")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
