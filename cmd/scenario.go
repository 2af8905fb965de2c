package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"reflect"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiralightyagami/polling/client"
	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/service"
)

func newScenarioCmd() *cobra.Command {
	var (
		server  string
		pollID  uint32
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "对运行中的服务执行四选项投票场景",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pollID == 0 {
				pollID = rand.Uint32N(1<<31) + 1
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runScenario(ctx, cmd.OutOrStdout(), server, pollID)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "服务地址")
	cmd.Flags().Uint32Var(&pollID, "poll-id", 0, "使用的投票ID，0表示随机")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "整个场景的超时时间")
	return cmd
}

// runScenario 创建四选项投票，三个投票人依次投票并检查计票结果
func runScenario(ctx context.Context, out io.Writer, server string, pollID uint32) error {
	step := func(format string, args ...interface{}) {
		fmt.Fprintf(out, "=== "+format+" ===\n", args...)
	}

	newClient := func() (*client.Client, error) {
		_, priv, err := keys.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		return client.New(server, priv)
	}
	clients := make([]*client.Client, 4)
	for i := range clients {
		c, err := newClient()
		if err != nil {
			return err
		}
		clients[i] = c
	}
	owner, a, b, c := clients[0], clients[1], clients[2], clients[3]

	step("创建投票 %d", pollID)
	poll, err := owner.CreatePoll(ctx, service.CreatePollRequest{
		PollID:      pollID,
		Title:       "Four option poll",
		Description: "scenario",
		Options:     []string{"one", "two", "three", "four"},
		EndTime:     uint64(time.Now().Add(24 * time.Hour).Unix()),
	})
	if err != nil {
		return fmt.Errorf("创建投票失败: %w", err)
	}
	if err := expectTallies(poll.Tallies, []uint64{0, 0, 0, 0}); err != nil {
		return err
	}

	for _, v := range []*client.Client{a, b, c} {
		if _, err := v.CreateVoterAccount(ctx, pollID); err != nil {
			return fmt.Errorf("注册投票人失败: %w", err)
		}
	}

	step("投票人A选择选项0")
	res, err := a.CastVote(ctx, pollID, 0)
	if err != nil {
		return fmt.Errorf("投票失败: %w", err)
	}
	if err := expectTallies(res.Poll.Tallies, []uint64{1, 0, 0, 0}); err != nil {
		return err
	}
	if res.Voter.SelectedOption != 1 {
		return fmt.Errorf("投票人A的selected_option为%d，期望1", res.Voter.SelectedOption)
	}

	step("投票人A重复投票")
	if err := expectCode(a.CastVote(ctx, pollID, 1))("AlreadyVoted"); err != nil {
		return err
	}

	step("投票人B选择选项3")
	res, err = b.CastVote(ctx, pollID, 3)
	if err != nil {
		return fmt.Errorf("投票失败: %w", err)
	}
	if err := expectTallies(res.Poll.Tallies, []uint64{1, 0, 0, 1}); err != nil {
		return err
	}

	step("投票人C选择不存在的选项4")
	if err := expectCode(c.CastVote(ctx, pollID, 4))("InvalidOption"); err != nil {
		return err
	}

	step("检查最终结果")
	poll, err = c.GetPoll(ctx, pollID)
	if err != nil {
		return fmt.Errorf("获取投票失败: %w", err)
	}
	if err := expectTallies(poll.Tallies, []uint64{1, 0, 0, 1}); err != nil {
		return err
	}

	fmt.Fprintf(out, "场景通过: 投票 %d 计票 %v\n", pollID, poll.Tallies)
	return nil
}

func expectTallies(got, want []uint64) error {
	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("计票结果为%v，期望%v", got, want)
	}
	return nil
}

// expectCode 检查调用以指定的错误码失败
func expectCode(_ *service.VoteResult, err error) func(code string) error {
	return func(code string) error {
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) {
			return fmt.Errorf("期望错误%s，实际为%v", code, err)
		}
		if apiErr.Code != code {
			return fmt.Errorf("期望错误%s，实际为%s", code, apiErr.Code)
		}
		return nil
	}
}
