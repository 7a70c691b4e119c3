// Package main 提供 magicnet 命令行入口
//
//	magicnet run --relay https://relay.example.com
//	magicnet netcheck --relay https://relay.example.com
//	magicnet keygen --out node.key
//	magicnet ping <peer> --relay https://relay.example.com
//	magicnet record --key node.key --relay https://relay.example.com
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-magicnet"
	"github.com/dep2p/go-magicnet/internal/util/logger"
)

var log = logger.Logger("cmd")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	l := newLoader()
	root := &cobra.Command{
		Use:           "magicnet",
		Short:         "自适应路径选择的点对点传输",
		Version:       magicnet.VersionInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	l.bindFlags(root)

	root.AddCommand(
		newRunCmd(l),
		newNetcheckCmd(l),
		newKeygenCmd(),
		newPingCmd(l),
		newRecordCmd(l),
	)
	return root
}
