package httptransport

import (
	"errors"
	"net/http"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/poller"
	"boardmail/backend/internal/storage"
)

type errorMapping struct {
	err    error
	status int
	msg    string
}

// 错误映射表（业务错误 -> 状态码与中文消息），按顺序匹配 errors.Is
var errorMappings = []errorMapping{
	{storage.ErrNotFound, http.StatusNotFound, "资源不存在"},
	{poller.ErrTriggerBusy, http.StatusTooManyRequests, "轮询请求过多，请稍后重试"},
	{domain.ErrAccountInactive, http.StatusConflict, "邮箱账户已停用，需要重新授权"},
	{domain.ErrNotBoardMember, http.StatusForbidden, "您不是该看板的成员"},
	{domain.ErrInvalidState, http.StatusBadRequest, "无效的卡片状态"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return MsgInternalError
}

// StatusFor 获取错误对应的 HTTP 状态码
func StatusFor(err error) int {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// 通用错误消息
const (
	MsgInvalidRequest  = "请求参数格式错误"
	MsgAccountNotFound = "邮箱账户不存在"
	MsgPollQueued      = "已加入轮询队列"
	MsgInternalError   = "服务器内部错误，请稍后重试"
)
