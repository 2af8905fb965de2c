// Package cmd polld命令行
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "polld",
		Short:        "投票状态机服务",
		SilenceUsage: true,
	}
	addConfigFlag(root.PersistentFlags(), &configPath)

	root.AddCommand(
		newServeCmd(&configPath),
		newKeygenCmd(),
		newAddressCmd(),
		newScenarioCmd(),
	)
	return root
}

func addConfigFlag(fs *pflag.FlagSet, target *string) {
	fs.StringVar(target, "config", "", "配置文件路径(yaml/json/toml)，环境变量优先")
}

// Execute 执行根命令
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
