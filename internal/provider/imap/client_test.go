package imap

import (
	"context"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/provider"
)

func TestCursor(t *testing.T) {
	t.Run("格式化与解析", func(t *testing.T) {
		c, err := ParseCursor(Cursor{UIDValidity: 7, UID: 42}.String())
		require.NoError(t, err)
		assert.Equal(t, Cursor{UIDValidity: 7, UID: 42}, c)
	})

	t.Run("空游标表示初始化", func(t *testing.T) {
		c, err := ParseCursor("")
		require.NoError(t, err)
		assert.Equal(t, Cursor{}, c)
	})

	t.Run("格式错误的游标需要重置", func(t *testing.T) {
		for _, s := range []string{"42", "a:1", "1:b", "1:99999999999"} {
			_, err := ParseCursor(s)
			assert.ErrorIs(t, err, provider.ErrCursorExpired, s)
		}
	})
}

func TestSelectUIDs(t *testing.T) {
	uids := []imap.UID{12, 10, 11, 9, 13}

	assert.Equal(t, []imap.UID{10, 11}, SelectUIDs(uids, 9, 2))
	assert.Equal(t, []imap.UID{9, 10, 11, 12, 13}, SelectUIDs(uids, 0, 0))
	// "14:*" 仍返回最大 UID 13
	assert.Empty(t, SelectUIDs([]imap.UID{13}, 13, 10))
}

func TestFetchAttachmentUnsupported(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	_, err := c.FetchAttachment(context.Background(), &domain.MailboxAccount{}, domain.Credential{}, "1:1", "")
	assert.ErrorIs(t, err, provider.ErrUnsupported)
}

func TestListMessagesMalformedCursor(t *testing.T) {
	c := New(Config{}, zap.NewNop())
	_, err := c.ListMessages(context.Background(), &domain.MailboxAccount{ID: "a1"}, domain.Credential{}, "garbage")
	assert.ErrorIs(t, err, provider.ErrCursorExpired)
}
