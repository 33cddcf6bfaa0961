package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// 账户校验错误
var (
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrEmailTooLong    = errors.New("email address too long")
	ErrInvalidDomain   = errors.New("invalid domain format")
	ErrInvalidProvider = errors.New("unsupported mailbox provider")
	ErrInvalidIMAPPort = errors.New("invalid IMAP port")
	ErrBoardRequired   = errors.New("board id is required")
)

const (
	MaxEmailLength  = 254 // RFC 5321
	MaxDomainLength = 253
)

var domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)

// NormalizeAddress 校验并返回小写的纯地址
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if len(address) > MaxEmailLength {
		return "", ErrEmailTooLong
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", ErrInvalidEmail
	}
	if err := ValidateDomain(parsed.Address[at+1:]); err != nil {
		return "", err
	}
	return strings.ToLower(parsed.Address), nil
}

// ValidateDomain 验证主机名
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > MaxDomainLength || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// ValidateAccount 连接账户前的字段检查
func ValidateAccount(a *MailboxAccount) error {
	if a.BoardID == "" {
		return ErrBoardRequired
	}
	addr, err := NormalizeAddress(a.ProviderAccountID)
	if err != nil {
		return fmt.Errorf("provider account %q: %w", a.ProviderAccountID, err)
	}
	a.ProviderAccountID = addr

	switch a.Provider {
	case ProviderGmail:
		return nil
	case ProviderIMAP:
		if err := ValidateDomain(a.IMAPHost); err != nil {
			return fmt.Errorf("imap host %q: %w", a.IMAPHost, err)
		}
		if a.IMAPPort <= 0 || a.IMAPPort > 65535 {
			return ErrInvalidIMAPPort
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidProvider, a.Provider)
}
