package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kiralightyagami/polling/keys"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "生成ed25519身份，输出身份和私钥种子",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, priv, err := keys.GenerateIdentity()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity:    %s\n", id)
			fmt.Fprintf(out, "private_key: %s\n", hex.EncodeToString(priv.Seed()))
			return nil
		},
	}
}

func newAddressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "计算记录的存储地址",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "poll <poll-id>",
		Short: "投票记录地址",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pollID, err := parsePollID(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keys.PollAddress(pollID))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "voter <poll-id> <identity>",
		Short: "投票人记录地址",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pollID, err := parsePollID(args[0])
			if err != nil {
				return err
			}
			id, err := keys.ParseIdentity(args[1])
			if err != nil {
				return fmt.Errorf("无效的身份: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), keys.VoterAddress(pollID, id))
			return nil
		},
	})
	return cmd
}

func parsePollID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("无效的投票ID %q: %w", s, err)
	}
	return uint32(id), nil
}
