package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boardmail/backend/internal/domain"
	"boardmail/backend/internal/storage/memory"
)

var baseTime = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	account  *domain.MailboxAccount
	resolver *ThreadResolver
	machine  *CardStateMachine
	writer   *IngestionWriter
	tracker  *ReadTracker
	events   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	log := zap.NewNop()

	require.NoError(t, store.SaveBoard(ctx, &domain.Board{ID: "board-1", Name: "Support"}))
	require.NoError(t, store.SaveColumn(ctx, &domain.BoardColumn{ID: "col-new", BoardID: "board-1", Name: "New", IsDefault: true}))
	require.NoError(t, store.AddMember(ctx, &domain.BoardMember{BoardID: "board-1", UserID: "alice"}))
	require.NoError(t, store.AddMember(ctx, &domain.BoardMember{BoardID: "board-1", UserID: "bob"}))

	account := &domain.MailboxAccount{
		ID:                "acc-1",
		BoardID:           "board-1",
		Provider:          domain.ProviderGmail,
		ProviderAccountID: "support@acme.io",
		Status:            domain.AccountStatusActive,
	}
	require.NoError(t, store.SaveAccount(ctx, account))

	f := &fixture{store: store, account: account, events: &recordingPublisher{}}
	f.resolver = NewThreadResolver(store, 3, log)
	f.machine = NewCardStateMachine(store, log)
	f.tracker = NewReadTracker(store, log)
	f.machine.AddObserver(f.tracker)
	f.writer = NewIngestionWriter(store, f.resolver, f.machine, f.events, log)
	return f
}

func inbound(id, thread string, at time.Time) *domain.CanonicalMessage {
	return &domain.CanonicalMessage{
		ProviderMessageID: id,
		ProviderThreadID:  thread,
		MessageIDHeader:   id + "@mail",
		Direction:         domain.DirectionInbound,
		From:              "customer@example.com",
		To:                []string{"support@acme.io"},
		Subject:           "Question " + thread,
		Text:              "hello",
		SentAt:            at,
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.NewMessageEvent
}

func (p *recordingPublisher) PublishNewMessage(_ context.Context, e domain.NewMessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []domain.Transition
}

func (o *recordingObserver) OnTransition(_ context.Context, t domain.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}
