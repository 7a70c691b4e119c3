package main

import (
	"fmt"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/dep2p/go-magicnet/internal/core/identity"
)

func newKeygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "生成节点身份密钥",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return oops.In("keygen").With("file", out).Errorf("key file exists, use --force to overwrite")
				}
			}
			kp, err := identity.Generate()
			if err != nil {
				return oops.In("keygen").Wrapf(err, "generate key")
			}
			if err := kp.Save(out); err != nil {
				return oops.In("keygen").With("file", out).Wrapf(err, "save key")
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.PeerID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "magicnet.key", "密钥文件路径")
	cmd.Flags().BoolVar(&force, "force", false, "覆盖已有文件")
	return cmd
}
