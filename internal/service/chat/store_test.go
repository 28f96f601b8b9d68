package chat_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	chat "github.com/zhouzirui/persona-relay/backend/internal/service/chat"
)

func forEachStore(t *testing.T, fn func(t *testing.T, store chat.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, chat.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := chat.OpenSQLStore(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func userTurn(sessionID, personaID, content string) model.Turn {
	return model.Turn{SessionID: sessionID, PersonaID: personaID, Role: model.RoleUser, Content: content}
}

func TestStoreGetSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()

		session, err := store.CreateSession(ctx, "subject-1", "advisor")
		require.NoError(t, err)

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, session.ID, got.ID)
		assert.Equal(t, "subject-1", got.SubjectID)
		assert.Equal(t, "advisor", got.CurrentPersonaID)
		assert.True(t, got.CreatedAt.Equal(session.CreatedAt))
	})
}

func TestStoreGetSessionNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()

		_, err := store.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, chat.ErrSessionNotFound)

		_, err = store.AppendTurn(ctx, userTurn("missing", "advisor", "hi"))
		assert.ErrorIs(t, err, chat.ErrSessionNotFound)

		_, err = store.RecentTurns(ctx, "missing", 5)
		assert.ErrorIs(t, err, chat.ErrSessionNotFound)

		_, err = store.Handoffs(ctx, "missing")
		assert.ErrorIs(t, err, chat.ErrSessionNotFound)

		_, err = store.CommitTurn(ctx, chat.Commit{SessionID: "missing", Assistant: model.Turn{PersonaID: "advisor", Content: "x"}})
		assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	})
}

func TestStoreCreateSessionValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()

		_, err := store.CreateSession(ctx, "", "advisor")
		assert.ErrorIs(t, err, chat.ErrSubjectRequired)

		_, err = store.CreateSession(ctx, "subject-1", "")
		assert.ErrorIs(t, err, chat.ErrPersonaRequired)
	})
}

func TestStoreAppendTurnOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "subject-1", "advisor")
		require.NoError(t, err)

		for i := 0; i < 6; i++ {
			stored, err := store.AppendTurn(ctx, userTurn(session.ID, "advisor", fmt.Sprintf("message %d", i)))
			require.NoError(t, err)
			assert.NotEmpty(t, stored.ID)
			assert.Equal(t, "subject-1", stored.SubjectID)
		}

		all, err := store.Transcript(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, all, 6)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "turn %d not after %d", i, i-1)
		}

		recent, err := store.RecentTurns(ctx, session.ID, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "message 3", recent[0].Content)
		assert.Equal(t, "message 5", recent[2].Content)

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActiveAt.Equal(all[5].CreatedAt))
	})
}

func TestStoreAppendTurnRejectsUnknownRole(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "subject-1", "advisor")
		require.NoError(t, err)

		_, err = store.AppendTurn(ctx, model.Turn{SessionID: session.ID, Role: "system", Content: "x"})
		assert.ErrorIs(t, err, chat.ErrInvalidTurn)
	})
}

func TestStoreConcurrentAppendsStayOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "subject-1", "advisor")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.AppendTurn(ctx, userTurn(session.ID, "advisor", fmt.Sprintf("m%d", i)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		all, err := store.Transcript(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, all, 20)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
		}
	})
}

func TestStoreCommitTurnWithoutHandoff(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "subject-1", "advisor")
		require.NoError(t, err)

		for _, target := range []string{"", "advisor"} {
			res, err := store.CommitTurn(ctx, chat.Commit{
				SessionID:       session.ID,
				Assistant:       model.Turn{PersonaID: "advisor", Content: "Tell me more."},
				TargetPersonaID: target,
			})
			require.NoError(t, err)
			assert.Nil(t, res.Handoff)
			assert.Equal(t, "advisor", res.Session.CurrentPersonaID)
			assert.Equal(t, model.RoleAssistant, res.Assistant.Role)
		}

		events, err := store.Handoffs(ctx, session.ID)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestStoreCommitTurnRecordsHandoff(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()
		session, err := store.CreateSession(ctx, "subject-1", "advisor")
		require.NoError(t, err)

		_, err = store.AppendTurn(ctx, userTurn(session.ID, "advisor", "we keep fighting about money"))
		require.NoError(t, err)

		res, err := store.CommitTurn(ctx, chat.Commit{
			SessionID:       session.ID,
			Assistant:       model.Turn{PersonaID: "advisor", Content: "Let's work through it."},
			TargetPersonaID: "conflict_solver",
			Trigger:         model.TriggerEmbedded,
		})
		require.NoError(t, err)
		require.NotNil(t, res.Handoff)
		assert.Equal(t, "advisor", res.Handoff.FromPersonaID)
		assert.Equal(t, "conflict_solver", res.Handoff.ToPersonaID)
		assert.Equal(t, model.TriggerEmbedded, res.Handoff.Trigger)
		assert.Equal(t, "conflict_solver", res.Session.CurrentPersonaID)
		// the reply stays attributed to the persona that wrote it
		assert.Equal(t, "advisor", res.Assistant.PersonaID)

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, "conflict_solver", got.CurrentPersonaID)

		events, err := store.Handoffs(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, res.Handoff.ID, events[0].ID)
		assert.True(t, events[0].CreatedAt.Equal(res.Assistant.CreatedAt))

		// a second switch chains from the new owner
		res, err = store.CommitTurn(ctx, chat.Commit{
			SessionID:       session.ID,
			Assistant:       model.Turn{PersonaID: "conflict_solver", Content: "Okay."},
			TargetPersonaID: "emotional_support",
			Trigger:         model.TriggerInferred,
		})
		require.NoError(t, err)
		require.NotNil(t, res.Handoff)
		assert.Equal(t, "conflict_solver", res.Handoff.FromPersonaID)

		events, err = store.Handoffs(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, model.TriggerInferred, events[1].Trigger)

		transcript, err := store.Transcript(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, transcript, 3)
		assert.Equal(t, []string{"advisor", "advisor", "conflict_solver"},
			[]string{transcript[0].PersonaID, transcript[1].PersonaID, transcript[2].PersonaID})
	})
}

func TestStoreSessionsAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, store chat.Store) {
		ctx := context.Background()
		a, err := store.CreateSession(ctx, "subject-a", "advisor")
		require.NoError(t, err)
		b, err := store.CreateSession(ctx, "subject-b", "advisor")
		require.NoError(t, err)

		_, err = store.AppendTurn(ctx, userTurn(a.ID, "advisor", "only in a"))
		require.NoError(t, err)

		turns, err := store.Transcript(ctx, b.ID)
		require.NoError(t, err)
		assert.Empty(t, turns)
	})
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "sessions.db")

	store, err := chat.OpenSQLStore(ctx, dsn)
	require.NoError(t, err)
	session, err := store.CreateSession(ctx, "subject-1", "advisor")
	require.NoError(t, err)
	_, err = store.CommitTurn(ctx, chat.Commit{
		SessionID:       session.ID,
		Assistant:       model.Turn{PersonaID: "advisor", Content: "hello"},
		TargetPersonaID: "solution_finder",
		Trigger:         model.TriggerEmbedded,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := chat.OpenSQLStore(ctx, dsn)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "solution_finder", got.CurrentPersonaID)

	events, err := reopened.Handoffs(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
