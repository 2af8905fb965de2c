package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/handlers"
	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/service"
)

// PollController 处理投票相关API请求
type PollController struct {
	pollService service.PollService
}

// NewPollController 创建投票控制器
func NewPollController(pollService service.PollService) *PollController {
	return &PollController{
		pollService: pollService,
	}
}

// RegisterRoutes 注册API路由，写操作需要经过auth中间件
func (c *PollController) RegisterRoutes(api *gin.RouterGroup, auth ...gin.HandlerFunc) {
	polls := api.Group("/polls")
	{
		polls.GET("/:id", c.GetPoll)
		polls.GET("/:id/voters/:identity", c.GetVoter)

		polls.POST("", withAuth(auth, c.CreatePoll)...)
		polls.POST("/:id/voters", withAuth(auth, c.CreateVoterAccount)...)

		// 投票操作
		polls.POST("/:id/vote", withAuth(auth, c.Vote)...)
	}
}

func withAuth(auth []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	return append(append([]gin.HandlerFunc{}, auth...), h)
}

// VoteRequest 投票请求
type VoteRequest struct {
	Option *int64 `json:"option" binding:"required"`
}

// ErrorResponse API错误响应
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// 业务错误到HTTP状态码和错误码的映射
var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrAlreadyExists, http.StatusConflict, "AlreadyExists"},
	{service.ErrAlreadyRegistered, http.StatusConflict, "AlreadyRegistered"},
	{service.ErrAlreadyVoted, http.StatusConflict, "AlreadyVoted"},
	{service.ErrInvalidOptions, http.StatusBadRequest, "InvalidOptions"},
	{service.ErrInvalidOption, http.StatusBadRequest, "InvalidOption"},
	{service.ErrTitleTooLong, http.StatusBadRequest, "TitleTooLong"},
	{service.ErrDescriptionTooLong, http.StatusBadRequest, "DescriptionTooLong"},
	{service.ErrPollNotFound, http.StatusNotFound, "PollNotFound"},
	{service.ErrVoterNotRegistered, http.StatusNotFound, "VoterNotRegistered"},
	{service.ErrPollInactive, http.StatusForbidden, "PollInactive"},
}

// writeError 按错误类型写响应
func writeError(ctx *gin.Context, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			ctx.JSON(e.status, ErrorResponse{Error: err.Error(), Code: e.code})
			return
		}
	}
	log.Error().Err(err).Str("path", ctx.FullPath()).Msg("请求处理失败")
	ctx.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "Internal"})
}

func badRequest(ctx *gin.Context, msg string) {
	ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "BadRequest"})
}

func parsePollID(ctx *gin.Context) (uint32, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		badRequest(ctx, "Invalid poll ID")
		return 0, false
	}
	return uint32(id), true
}

func caller(ctx *gin.Context) (keys.Identity, bool) {
	id, ok := handlers.CallerIdentity(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing caller identity", Code: "Unauthorized"})
	}
	return id, ok
}

// CreatePoll 创建投票
// @Router /api/polls [post]
func (c *PollController) CreatePoll(ctx *gin.Context) {
	id, ok := caller(ctx)
	if !ok {
		return
	}

	var req service.CreatePollRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request: "+err.Error())
		return
	}

	poll, err := c.pollService.CreatePoll(ctx.Request.Context(), id, req)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, poll)
}

// GetPoll 获取投票详情
// @Router /api/polls/{id} [get]
func (c *PollController) GetPoll(ctx *gin.Context) {
	pollID, ok := parsePollID(ctx)
	if !ok {
		return
	}

	poll, err := c.pollService.GetPoll(ctx.Request.Context(), pollID)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, poll)
}

// CreateVoterAccount 注册投票人
// @Router /api/polls/{id}/voters [post]
func (c *PollController) CreateVoterAccount(ctx *gin.Context) {
	id, ok := caller(ctx)
	if !ok {
		return
	}
	pollID, ok := parsePollID(ctx)
	if !ok {
		return
	}

	voter, err := c.pollService.CreateVoterAccount(ctx.Request.Context(), id, pollID)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, voter)
}

// GetVoter 获取投票人记录
// @Router /api/polls/{id}/voters/{identity} [get]
func (c *PollController) GetVoter(ctx *gin.Context) {
	pollID, ok := parsePollID(ctx)
	if !ok {
		return
	}
	owner, err := keys.ParseIdentity(ctx.Param("identity"))
	if err != nil {
		badRequest(ctx, "Invalid identity")
		return
	}

	voter, err := c.pollService.GetVoter(ctx.Request.Context(), pollID, owner)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, voter)
}

// Vote 提交投票
// @Router /api/polls/{id}/vote [post]
func (c *PollController) Vote(ctx *gin.Context) {
	id, ok := caller(ctx)
	if !ok {
		return
	}
	pollID, ok := parsePollID(ctx)
	if !ok {
		return
	}

	var req VoteRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request: "+err.Error())
		return
	}

	result, err := c.pollService.CastVote(ctx.Request.Context(), id, pollID, *req.Option)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, result)
}
