package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"无错误", nil, KindNone},
		{"临时错误", Transient(base), KindTransient},
		{"包装后的临时错误", fmt.Errorf("list messages: %w", Transient(base)), KindTransient},
		{"超时", fmt.Errorf("poll: %w", context.DeadlineExceeded), KindTransient},
		{"凭证失效", CredentialInvalid(base), KindCredentialInvalid},
		{"账户停用", ErrAccountInactive, KindCredentialInvalid},
		{"凭证损坏", fmt.Errorf("decrypt: %w", ErrCredentialCorrupt), KindCredentialCorrupt},
		{"邮件格式错误", Malformed(base), KindMalformedMessage},
		{"重复创建", ErrDuplicateCreate, KindDuplicateCreate},
		{"致命错误", Fatal(base), KindFatal},
		{"未知错误", base, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMarkKeepsOriginalChain(t *testing.T) {
	base := errors.New("boom")
	err := Transient(base)

	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "boom", err.Error())
	assert.Same(t, err, Transient(err))
	assert.Nil(t, Transient(nil))
}

func TestParseCardState(t *testing.T) {
	state, err := ParseCardState(" Archived ")
	assert.NoError(t, err)
	assert.Equal(t, CardStateArchived, state)

	_, err = ParseCardState("deleted")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBoardCardAddParticipants(t *testing.T) {
	card := &BoardCard{Participants: StringList{"alice@example.com"}}
	card.AddParticipants("Alice@Example.com", "bob@example.com", "", "bob@example.com")

	assert.Equal(t, StringList{"alice@example.com", "bob@example.com"}, card.Participants)
}

func TestStringListValueScan(t *testing.T) {
	var l StringList
	v, err := StringList{"<a@x>", "<b@x>"}.Value()
	assert.NoError(t, err)
	assert.NoError(t, l.Scan(v))
	assert.Equal(t, StringList{"<a@x>", "<b@x>"}, l)

	assert.NoError(t, l.Scan(nil))
	assert.Nil(t, l)
}
