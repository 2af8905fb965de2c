package models

import (
	"encoding/json"
	"fmt"

	"github.com/kiralightyagami/polling/keys"
)

// Voter 投票人记录，存放在 keys.VoterAddress(PollID, Owner)
//
// SelectedOption 为 NotVoted 表示尚未投票；否则为 选项下标+1。
type Voter struct {
	PollID         uint32        `json:"poll_id"`
	Owner          keys.Identity `json:"owner"`
	SelectedOption uint32        `json:"selected_option"`
	CreatedAt      uint64        `json:"created_at"`
}

// Address 投票人记录地址
func (v *Voter) Address() keys.Address {
	return keys.VoterAddress(v.PollID, v.Owner)
}

// HasVoted 是否已经投票
func (v *Voter) HasVoted() bool {
	return v.SelectedOption != NotVoted
}

// Choice 返回所选选项的下标（从0开始）
func (v *Voter) Choice() (int, bool) {
	if !v.HasVoted() {
		return 0, false
	}
	return int(v.SelectedOption) - 1, true
}

// Encode 序列化投票人记录
func (v *Voter) Encode() ([]byte, error) {
	return json.Marshal(v)
}

// DecodeVoter 反序列化投票人记录
func DecodeVoter(bz []byte) (*Voter, error) {
	var v Voter
	if err := json.Unmarshal(bz, &v); err != nil {
		return nil, fmt.Errorf("decode voter: %w", err)
	}
	if v.SelectedOption > MaxOptions {
		return nil, fmt.Errorf("voter %s: selected option %d out of range", v.Owner, v.SelectedOption)
	}
	return &v, nil
}
