package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/provider"
)

var testAccount = &domain.MailboxAccount{ID: "acc-1", Provider: domain.ProviderGmail, ProviderAccountID: "team@example.com"}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		BatchSize:    10,
		Guard:        provider.GuardOptions{Rate: 1000, Burst: 100},
		Endpoint:     srv.URL + "/",
		TokenURL:     srv.URL + "/token",
		HTTPClient:   srv.Client(),
	}, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestListMessagesFromHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{
			"history": [
				{"id": "101", "messagesAdded": [{"message": {"id": "m1"}}]},
				{"id": "102", "messagesAdded": [{"message": {"id": "m2"}}, {"message": {"id": "m3"}}]}
			],
			"historyId": "110"
		}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id": "m1", "threadId": "t1", "internalDate": "1700000000000", "labelIds": ["INBOX"]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error": {"code": 404, "message": "Not Found"}}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id": "m3", "threadId": "t1", "internalDate": "1700000100000", "labelIds": ["SENT"]}`)
	})
	c := newTestClient(t, mux)

	batch, err := c.ListMessages(context.Background(), testAccount, domain.Credential{AccessToken: "access-1"}, "100")
	require.NoError(t, err)

	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "m1", batch.Messages[0].ID)
	assert.Equal(t, "101", batch.Messages[0].Cursor)
	assert.False(t, batch.Messages[0].Outbound)
	assert.Equal(t, "m3", batch.Messages[1].ID)
	assert.Equal(t, "102", batch.Messages[1].Cursor)
	assert.True(t, batch.Messages[1].Outbound)
	assert.Equal(t, "110", batch.Cursor)
}

// bootstrapMailbox 模拟 messages.list：按 after: 过滤并按时间倒序返回
type bootstrapMailbox struct {
	base    time.Time
	count   int
	queries []string
}

func (b *bootstrapMailbox) register(t *testing.T, mux *http.ServeMux) {
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"emailAddress": "team@example.com", "historyId": "900"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		b.queries = append(b.queries, q)
		var after int64
		_, err := fmt.Sscanf(q, "after:%d", &after)
		require.NoError(t, err)

		var refs []string
		for i := b.count; i >= 1; i-- {
			if b.at(i).Unix() > after {
				refs = append(refs, fmt.Sprintf(`{"id": "g%02d", "threadId": "t%02d"}`, i, i))
			}
		}
		writeJSON(w, http.StatusOK, `{"messages": [`+strings.Join(refs, ",")+`]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		var i int
		_, err := fmt.Sscanf(id, "g%d", &i)
		require.NoError(t, err)
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"id": %q, "threadId": "t%02d", "internalDate": "%d", "labelIds": ["INBOX"]}`,
			id, i, b.at(i).UnixMilli()))
	})
}

func (b *bootstrapMailbox) at(i int) time.Time { return b.base.Add(time.Duration(i) * time.Minute) }

func TestListMessagesBootstrapPagesOldestFirst(t *testing.T) {
	now := time.Date(2026, 6, 8, 0, 0, 0, 0, time.UTC)
	box := &bootstrapMailbox{base: now.Add(-24 * time.Hour), count: 12}
	mux := http.NewServeMux()
	box.register(t, mux)
	c := newTestClient(t, mux)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	cred := domain.Credential{AccessToken: "a"}

	first, err := c.ListMessages(ctx, testAccount, cred, "")
	require.NoError(t, err)
	require.Len(t, first.Messages, 10)
	assert.Equal(t, "g01", first.Messages[0].ID)
	assert.Equal(t, "g10", first.Messages[9].ID)
	assert.True(t, strings.HasPrefix(first.Cursor, bootstrapPrefix), first.Cursor)
	assert.Equal(t, fmt.Sprintf("after:%d -in:drafts", now.Add(-7*24*time.Hour).Unix()), box.queries[0])

	t.Run("窗口取完后切换到历史游标", func(t *testing.T) {
		second, err := c.ListMessages(ctx, testAccount, cred, first.Cursor)
		require.NoError(t, err)
		ids := make([]string, 0, len(second.Messages))
		for _, m := range second.Messages {
			ids = append(ids, m.ID)
		}
		// 同一秒的上一批末尾邮件可能重复出现，由幂等写入跳过
		assert.Subset(t, ids, []string{"g11", "g12"})
		assert.NotContains(t, ids, "g01")
		assert.Equal(t, "900", second.Cursor)
	})
}

func TestParseBootstrapCursor(t *testing.T) {
	cur, err := parseBootstrapCursor(bootstrapCursor{historyID: 42, after: 1700000000}.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cur.historyID)
	assert.Equal(t, int64(1700000000), cur.after)

	_, err = parseBootstrapCursor("boot:x:1")
	assert.ErrorIs(t, err, provider.ErrCursorExpired)
}

func TestListMessagesExpiredCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error": {"code": 404, "message": "Requested entity was not found."}}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ListMessages(context.Background(), testAccount, domain.Credential{AccessToken: "a"}, "5")
	assert.ErrorIs(t, err, provider.ErrCursorExpired)
}

func TestListMessagesServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"error": {"code": 503, "message": "Backend Error"}}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ListMessages(context.Background(), testAccount, domain.Credential{AccessToken: "a"}, "5")
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestRefreshToken(t *testing.T) {
	t.Run("刷新成功", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
			writeJSON(w, http.StatusOK, `{"access_token": "access-2", "token_type": "Bearer", "expires_in": 3600}`)
		})
		c := newTestClient(t, mux)

		tok, err := c.RefreshToken(context.Background(), testAccount, "refresh-1")
		require.NoError(t, err)
		assert.Equal(t, "access-2", tok.AccessToken)
		assert.False(t, tok.ExpiresAt.IsZero())
	})

	t.Run("invalid_grant 归类为凭证失效", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"error": "invalid_grant", "error_description": "Token has been expired or revoked."}`)
		})
		c := newTestClient(t, mux)

		_, err := c.RefreshToken(context.Background(), testAccount, "refresh-1")
		assert.ErrorIs(t, err, domain.ErrCredentialInvalid)
	})

	t.Run("服务端错误可重试", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, `{"error": "internal_failure"}`)
		})
		c := newTestClient(t, mux)

		_, err := c.RefreshToken(context.Background(), testAccount, "refresh-1")
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
}

func TestFetchAttachment(t *testing.T) {
	content := []byte("%PDF-1.4 fake")
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1/attachments/att-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"size": 13, "data": "`+base64.RawURLEncoding.EncodeToString(content)+`"}`)
	})
	c := newTestClient(t, mux)

	got, err := c.FetchAttachment(context.Background(), testAccount, domain.Credential{AccessToken: "a"}, "m1", "att-1")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
