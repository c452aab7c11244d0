// Command authz-signer 提供签名后端编排服务与本地密钥工具。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "authz-signer",
		Short:         "Signer orchestration service for Telegram payment authorizations on Neutron",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	root.AddCommand(
		newServeCmd(flags),
		newKeygenCmd(),
		newAddressCmd(),
	)
	return root
}
