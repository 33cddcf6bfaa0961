package domain

import (
	"context"
	"errors"
)

// 引擎错误分类
var (
	ErrTransient         = errors.New("transient failure")
	ErrCredentialInvalid = errors.New("credential invalid")
	ErrCredentialCorrupt = errors.New("credential corrupt")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrDuplicateCreate   = errors.New("duplicate card create")
	ErrFatal             = errors.New("fatal failure")
)

// 业务错误
var (
	ErrInvalidState      = errors.New("invalid card state")
	ErrNotBoardMember    = errors.New("user is not a board member")
	ErrThreadAlreadyUsed = errors.New("thread already linked to another card")
	ErrAccountInactive   = errors.New("mailbox account requires reconnect")
)

// ErrorKind 遥测上报用的错误类别
type ErrorKind string

const (
	KindNone              ErrorKind = "none"
	KindTransient         ErrorKind = "transient"
	KindCredentialInvalid ErrorKind = "credential_invalid"
	KindCredentialCorrupt ErrorKind = "credential_corrupt"
	KindMalformedMessage  ErrorKind = "malformed_message"
	KindDuplicateCreate   ErrorKind = "duplicate_create"
	KindFatal             ErrorKind = "fatal"
	KindUnknown           ErrorKind = "unknown"
)

// KindOf 对任意错误分类
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCredentialInvalid), errors.Is(err, ErrAccountInactive):
		return KindCredentialInvalid
	case errors.Is(err, ErrCredentialCorrupt):
		return KindCredentialCorrupt
	case errors.Is(err, ErrMalformedMessage):
		return KindMalformedMessage
	case errors.Is(err, ErrDuplicateCreate):
		return KindDuplicateCreate
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransient
	}
	return KindUnknown
}

// kindError 给底层错误附加类别，同时保留原始错误链
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string   { return e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

func markAs(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// Transient 标记为可重试错误
func Transient(err error) error { return markAs(ErrTransient, err) }

// CredentialInvalid 标记为凭证失效
func CredentialInvalid(err error) error { return markAs(ErrCredentialInvalid, err) }

// Malformed 标记为无法解析的邮件
func Malformed(err error) error { return markAs(ErrMalformedMessage, err) }

// Fatal 标记为不可恢复错误
func Fatal(err error) error { return markAs(ErrFatal, err) }
