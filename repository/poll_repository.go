package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/models"
	"github.com/kiralightyagami/polling/store"
)

// ErrCorruptRecord 地址上的记录与预期不符
var ErrCorruptRecord = errors.New("corrupt record")

// PollRepository 定义投票数据访问接口
//
// 读方法接受 store.Reader，既可以直接传存储，也可以传事务；写方法只接受事务。
type PollRepository interface {
	// 投票记录相关方法
	LoadPoll(ctx context.Context, r store.Reader, pollID uint32) (*models.Poll, error)
	InsertPoll(ctx context.Context, tx store.Tx, poll *models.Poll) error
	SavePoll(ctx context.Context, tx store.Tx, poll *models.Poll) error

	// 投票人记录相关方法
	LoadVoter(ctx context.Context, r store.Reader, pollID uint32, owner keys.Identity) (*models.Voter, error)
	InsertVoter(ctx context.Context, tx store.Tx, voter *models.Voter) error
	SaveVoter(ctx context.Context, tx store.Tx, voter *models.Voter) error
}

// RecordRepository 基于地址存储的投票数据仓库
type RecordRepository struct{}

// NewRecordRepository 创建数据仓库
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{}
}

// LoadPoll 读取投票记录，不存在时返回 store.ErrNotFound
func (r *RecordRepository) LoadPoll(ctx context.Context, rd store.Reader, pollID uint32) (*models.Poll, error) {
	bz, err := rd.Get(ctx, keys.PollAddress(pollID))
	if err != nil {
		return nil, err
	}
	poll, err := models.DecodePoll(bz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if poll.ID != pollID {
		return nil, fmt.Errorf("%w: poll address %d holds poll %d", ErrCorruptRecord, pollID, poll.ID)
	}
	return poll, nil
}

// InsertPoll 创建投票记录，地址已占用时返回 store.ErrExists
func (r *RecordRepository) InsertPoll(ctx context.Context, tx store.Tx, poll *models.Poll) error {
	bz, err := poll.Encode()
	if err != nil {
		return err
	}
	return tx.Create(ctx, poll.Address(), store.KindPoll, bz)
}

// SavePoll 覆盖投票记录
func (r *RecordRepository) SavePoll(ctx context.Context, tx store.Tx, poll *models.Poll) error {
	if err := poll.Validate(); err != nil {
		return err
	}
	bz, err := poll.Encode()
	if err != nil {
		return err
	}
	return tx.Put(ctx, poll.Address(), store.KindPoll, bz)
}

// LoadVoter 读取投票人记录，不存在时返回 store.ErrNotFound
func (r *RecordRepository) LoadVoter(ctx context.Context, rd store.Reader, pollID uint32, owner keys.Identity) (*models.Voter, error) {
	bz, err := rd.Get(ctx, keys.VoterAddress(pollID, owner))
	if err != nil {
		return nil, err
	}
	voter, err := models.DecodeVoter(bz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if voter.PollID != pollID || voter.Owner != owner {
		return nil, fmt.Errorf("%w: voter address mismatch for poll %d", ErrCorruptRecord, pollID)
	}
	return voter, nil
}

// InsertVoter 创建投票人记录，地址已占用时返回 store.ErrExists
func (r *RecordRepository) InsertVoter(ctx context.Context, tx store.Tx, voter *models.Voter) error {
	bz, err := voter.Encode()
	if err != nil {
		return err
	}
	return tx.Create(ctx, voter.Address(), store.KindVoter, bz)
}

// SaveVoter 覆盖投票人记录
func (r *RecordRepository) SaveVoter(ctx context.Context, tx store.Tx, voter *models.Voter) error {
	bz, err := voter.Encode()
	if err != nil {
		return err
	}
	return tx.Put(ctx, voter.Address(), store.KindVoter, bz)
}

var _ PollRepository = (*RecordRepository)(nil)
