package service

import "errors"

var (
	// 业务错误定义
	ErrAlreadyExists      = errors.New("poll already exists")
	ErrInvalidOptions     = errors.New("invalid poll options")
	ErrTitleTooLong       = errors.New("title too long")
	ErrDescriptionTooLong = errors.New("description too long")
	ErrPollNotFound       = errors.New("poll not found")
	ErrVoterNotRegistered = errors.New("voter not registered")
	ErrAlreadyRegistered  = errors.New("voter already registered")
	ErrAlreadyVoted       = errors.New("voter already voted")
	ErrPollInactive       = errors.New("poll is not active")
	ErrInvalidOption      = errors.New("invalid option")
)
