package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/authzsigner/internal/keymaterial"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new 24-word recovery phrase and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			km, err := keymaterial.Generate()
			if err != nil {
				return err
			}
			defer km.Zero()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address: %s\n", km.Address())
			fmt.Fprintf(out, "phrase:  %s\n", km.Phrase())
			return nil
		},
	}
}

func newAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "address",
		Short:   "Derive the account address of a recovery phrase read from stdin",
		Example: "echo \"$PHRASE\" | authz-signer address",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			phrase, err := readPhrase(cmd.InOrStdin())
			if err != nil {
				return err
			}
			km, err := keymaterial.ImportFromPhrase(phrase)
			if err != nil {
				return err
			}
			defer km.Zero()
			fmt.Fprintln(cmd.OutOrStdout(), km.Address())
			return nil
		},
	}
}

// readPhrase 读取全部输入，允许助记词跨行。
func readPhrase(r io.Reader) (string, error) {
	var words []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		words = append(words, strings.Fields(scanner.Text())...)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(words, " "), nil
}
