package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/models"
	"github.com/kiralightyagami/polling/mq"
	"github.com/kiralightyagami/polling/repository"
	"github.com/kiralightyagami/polling/store"
)

// CreatePollRequest 创建投票的参数
type CreatePollRequest struct {
	PollID      uint32   `json:"poll_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
	EndTime     uint64   `json:"end_time"`
}

// VoteResult 投票后的投票记录和投票人记录
type VoteResult struct {
	Poll  *models.Poll  `json:"poll"`
	Voter *models.Voter `json:"voter"`
}

// PollService 投票服务接口
type PollService interface {
	// 投票管理
	CreatePoll(ctx context.Context, caller keys.Identity, req CreatePollRequest) (*models.Poll, error)
	GetPoll(ctx context.Context, pollID uint32) (*models.Poll, error)

	// 投票人
	CreateVoterAccount(ctx context.Context, caller keys.Identity, pollID uint32) (*models.Voter, error)
	GetVoter(ctx context.Context, pollID uint32, owner keys.Identity) (*models.Voter, error)

	// 投票操作
	CastVote(ctx context.Context, caller keys.Identity, pollID uint32, chosen int64) (*VoteResult, error)
}

// EventPublisher 事件发布者，mq.Queue 满足该接口
type EventPublisher interface {
	Publish(ctx context.Context, ev *mq.Event) error
}

// PollServiceImpl 投票服务实现
type PollServiceImpl struct {
	store  store.Store
	repo   repository.PollRepository
	locker Locker
	events EventPublisher
	now    func() time.Time
}

// NewPollService 创建投票服务，locker和events为nil时不加锁、不发布事件
func NewPollService(st store.Store, repo repository.PollRepository, locker Locker, events EventPublisher) *PollServiceImpl {
	if repo == nil {
		repo = repository.NewRecordRepository()
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	return &PollServiceImpl{
		store:  st,
		repo:   repo,
		locker: locker,
		events: events,
		now:    time.Now,
	}
}

// validateCreatePoll 校验创建参数，不访问存储
func validateCreatePoll(req CreatePollRequest) error {
	if len(req.Options) == 0 || len(req.Options) > models.MaxOptions {
		return ErrInvalidOptions
	}
	for _, opt := range req.Options {
		if len(opt) == 0 || len(opt) > models.MaxOptionLength {
			return ErrInvalidOptions
		}
	}
	if len(req.Title) > models.MaxTitleLength {
		return ErrTitleTooLong
	}
	if len(req.Description) > models.MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

// CreatePoll 创建投票
func (s *PollServiceImpl) CreatePoll(ctx context.Context, caller keys.Identity, req CreatePollRequest) (*models.Poll, error) {
	if err := validateCreatePoll(req); err != nil {
		return nil, err
	}

	poll := models.NewPoll(req.PollID, req.Title, req.Description, req.Options, req.EndTime, caller)
	err := s.locker.WithLock(ctx, pollLockName(req.PollID), func() error {
		return s.store.Update(ctx, []keys.Address{poll.Address()}, func(tx store.Tx) error {
			err := s.repo.InsertPoll(ctx, tx, poll)
			if errors.Is(err, store.ErrExists) {
				return ErrAlreadyExists
			}
			return err
		})
	})
	if err != nil {
		return nil, wrapErr("创建投票失败", err)
	}

	log.Info().Uint32("poll_id", poll.ID).Str("owner", caller.String()).Int("options", len(poll.Options)).Msg("投票创建成功")
	s.publish(ctx, mq.NewEvent(mq.EventPollCreated, poll.ID, caller, poll.Tallies))
	return poll, nil
}

// CreateVoterAccount 为调用者在投票下注册投票人记录
func (s *PollServiceImpl) CreateVoterAccount(ctx context.Context, caller keys.Identity, pollID uint32) (*models.Voter, error) {
	voter := &models.Voter{
		PollID:         pollID,
		Owner:          caller,
		SelectedOption: models.NotVoted,
		CreatedAt:      uint64(s.now().Unix()),
	}

	var poll *models.Poll
	err := s.locker.WithLock(ctx, pollLockName(pollID), func() error {
		addrs := []keys.Address{keys.PollAddress(pollID), voter.Address()}
		return s.store.Update(ctx, addrs, func(tx store.Tx) error {
			var err error
			poll, err = s.loadPoll(ctx, tx, pollID)
			if err != nil {
				return err
			}
			err = s.repo.InsertVoter(ctx, tx, voter)
			if errors.Is(err, store.ErrExists) {
				return ErrAlreadyRegistered
			}
			return err
		})
	})
	if err != nil {
		return nil, wrapErr("注册投票人失败", err)
	}

	log.Info().Uint32("poll_id", pollID).Str("voter", caller.String()).Msg("投票人注册成功")
	s.publish(ctx, mq.NewEvent(mq.EventVoterRegistered, pollID, caller, poll.Tallies))
	return voter, nil
}

// CastVote 提交投票
//
// 依次检查：投票存在、投票人已注册、尚未投票、投票仍活跃、选项下标有效，第一个失败的检查决定返回的错误。
// 成功时投票人记录和计数在同一个存储事务内更新。
func (s *PollServiceImpl) CastVote(ctx context.Context, caller keys.Identity, pollID uint32, chosen int64) (*VoteResult, error) {
	var result VoteResult
	err := s.locker.WithLock(ctx, pollLockName(pollID), func() error {
		addrs := []keys.Address{keys.PollAddress(pollID), keys.VoterAddress(pollID, caller)}
		return s.store.Update(ctx, addrs, func(tx store.Tx) error {
			poll, err := s.loadPoll(ctx, tx, pollID)
			if err != nil {
				return err
			}

			voter, err := s.repo.LoadVoter(ctx, tx, pollID, caller)
			if errors.Is(err, store.ErrNotFound) {
				return ErrVoterNotRegistered
			}
			if err != nil {
				return err
			}

			if voter.HasVoted() {
				return ErrAlreadyVoted
			}
			if !poll.Active {
				return ErrPollInactive
			}
			if chosen < 0 || chosen >= int64(len(poll.Options)) {
				return ErrInvalidOption
			}

			voter.SelectedOption = uint32(chosen) + 1
			poll.Tallies[chosen]++

			if err := s.repo.SaveVoter(ctx, tx, voter); err != nil {
				return err
			}
			if err := s.repo.SavePoll(ctx, tx, poll); err != nil {
				return err
			}
			result = VoteResult{Poll: poll, Voter: voter}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("投票失败", err)
	}

	log.Info().Uint32("poll_id", pollID).Str("voter", caller.String()).Int64("option", chosen).Msg("投票成功")
	s.publish(ctx, mq.NewEvent(mq.EventVoteCast, pollID, caller, result.Poll.Tallies).WithOption(int(chosen)))
	return &result, nil
}

// GetPoll 获取投票记录
func (s *PollServiceImpl) GetPoll(ctx context.Context, pollID uint32) (*models.Poll, error) {
	poll, err := s.loadPoll(ctx, s.store, pollID)
	if err != nil {
		return nil, wrapErr("获取投票失败", err)
	}
	return poll, nil
}

// GetVoter 获取投票人记录
func (s *PollServiceImpl) GetVoter(ctx context.Context, pollID uint32, owner keys.Identity) (*models.Voter, error) {
	voter, err := s.repo.LoadVoter(ctx, s.store, pollID, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVoterNotRegistered
	}
	if err != nil {
		return nil, wrapErr("获取投票人失败", err)
	}
	return voter, nil
}

func (s *PollServiceImpl) loadPoll(ctx context.Context, r store.Reader, pollID uint32) (*models.Poll, error) {
	poll, err := s.repo.LoadPoll(ctx, r, pollID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPollNotFound
	}
	return poll, err
}

// publish 发布事件，失败只记录日志，状态已经提交
func (s *PollServiceImpl) publish(ctx context.Context, ev *mq.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Str("type", string(ev.Type)).Uint32("poll_id", ev.PollID).Msg("发布事件失败")
	}
}

var domainErrors = []error{
	ErrAlreadyExists, ErrInvalidOptions, ErrTitleTooLong, ErrDescriptionTooLong,
	ErrPollNotFound, ErrVoterNotRegistered, ErrAlreadyRegistered, ErrAlreadyVoted,
	ErrPollInactive, ErrInvalidOption,
}

// IsDomainError 是否业务错误
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// wrapErr 业务错误原样返回，基础设施错误加上上下文
func wrapErr(op string, err error) error {
	if IsDomainError(err) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ PollService = (*PollServiceImpl)(nil)
