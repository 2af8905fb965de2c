package models

import (
	"encoding/json"
	"fmt"

	"github.com/kiralightyagami/polling/keys"
)

const (
	// MaxOptions 每个投票最多的选项数
	MaxOptions = 4
	// MaxTitleLength 标题最大字节数
	MaxTitleLength = 70
	// MaxDescriptionLength 描述最大字节数
	MaxDescriptionLength = 280
	// MaxOptionLength 单个选项标签最大字节数
	MaxOptionLength = 50

	// NotVoted 投票人尚未投票的哨兵值
	NotVoted uint32 = 0
)

// Poll 投票记录，存放在 keys.PollAddress(ID)
type Poll struct {
	ID          uint32        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Options     []string      `json:"options"`
	Tallies     []uint64      `json:"tallies"`
	Owner       keys.Identity `json:"owner"`
	Active      bool          `json:"active"`
	EndTime     uint64        `json:"end_time"` // unix秒，仅记录不校验
}

// NewPoll 创建计数全部为0的活跃投票
func NewPoll(id uint32, title, description string, options []string, endTime uint64, owner keys.Identity) *Poll {
	opts := make([]string, len(options))
	copy(opts, options)
	return &Poll{
		ID:          id,
		Title:       title,
		Description: description,
		Options:     opts,
		Tallies:     make([]uint64, len(opts)),
		Owner:       owner,
		Active:      true,
		EndTime:     endTime,
	}
}

// Address 投票记录地址
func (p *Poll) Address() keys.Address {
	return keys.PollAddress(p.ID)
}

// TotalVotes 所有选项票数之和
func (p *Poll) TotalVotes() uint64 {
	var total uint64
	for _, n := range p.Tallies {
		total += n
	}
	return total
}

// Validate 检查记录自身的一致性
func (p *Poll) Validate() error {
	if len(p.Options) == 0 || len(p.Options) > MaxOptions {
		return fmt.Errorf("poll %d: %d options", p.ID, len(p.Options))
	}
	if len(p.Tallies) != len(p.Options) {
		return fmt.Errorf("poll %d: %d tallies for %d options", p.ID, len(p.Tallies), len(p.Options))
	}
	return nil
}

// Encode 序列化投票记录
func (p *Poll) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePoll 反序列化投票记录
func DecodePoll(bz []byte) (*Poll, error) {
	var p Poll
	if err := json.Unmarshal(bz, &p); err != nil {
		return nil, fmt.Errorf("decode poll: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
