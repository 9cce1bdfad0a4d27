package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadstream/pkg/domain"
)

// stores returns every implementation the contract runs against. Postgres is
// only exercised when TEST_DATABASE_URL is set.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		s, err := NewGormStore(dsn)
		require.NoError(t, err)
		out["postgres"] = s
	}
	return out
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func uniqueThreadID(prefix string) string {
	return prefix + "-" + NewThreadID(time.Now())
}

func TestCreateThreadPairsUserAndAssistant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		res, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			AuthorID:  "u1",
			UserParts: []domain.Part{domain.TextPart("hello")},
		})
		require.NoError(t, err)
		assert.True(t, res.ThreadCreated)
		assert.Equal(t, DefaultThreadTitle, res.Thread.Title)
		assert.NotEmpty(t, res.UserMessage.MessageID)
		assert.NotEmpty(t, res.AssistantMessage.MessageID)
		assert.Equal(t, domain.RoleAssistant, res.AssistantMessage.Role)
		assert.Empty(t, res.AssistantMessage.Parts)
		assert.True(t, res.AssistantMessage.CreatedAt.After(res.UserMessage.CreatedAt))

		msgs, err := s.GetMessagesByThreadID(ctx, res.Thread.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, domain.RoleUser, msgs[0].Role)
		assert.Equal(t, "hello", msgs[0].Parts[0].Text)
		assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	})
}

func TestCreateIsIdempotentOnUserMessageID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		in := CreateMessagesInput{
			ThreadID:           uniqueThreadID("idem"),
			AuthorID:           "u1",
			UserMessageID:      "m-user",
			UserParts:          []domain.Part{domain.TextPart("hi")},
			AssistantMessageID: "m-asst",
		}
		first, err := s.CreateThreadOrAppendMessages(ctx, in)
		require.NoError(t, err)
		second, err := s.CreateThreadOrAppendMessages(ctx, in)
		require.NoError(t, err)
		assert.False(t, second.ThreadCreated)
		assert.Equal(t, first.UserMessage.ID, second.UserMessage.ID)
		assert.Equal(t, first.AssistantMessage.ID, second.AssistantMessage.ID)

		msgs, err := s.GetMessagesByThreadID(ctx, in.ThreadID)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})
}

func TestCreateRejectsForeignAuthor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uniqueThreadID("owned")
		_, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{ThreadID: id, AuthorID: "owner"})
		require.NoError(t, err)
		_, err = s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{ThreadID: id, AuthorID: "intruder"})
		assert.True(t, errors.Is(err, domain.ErrForbidden))
	})
}

func TestRetryAndEditTruncateLaterMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uniqueThreadID("retry")
		first, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			ThreadID: id, AuthorID: "u1", UserMessageID: "q1",
			UserParts: []domain.Part{domain.TextPart("first")},
		})
		require.NoError(t, err)
		_, err = s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			ThreadID: id, AuthorID: "u1", UserMessageID: "q2",
			UserParts: []domain.Part{domain.TextPart("second")},
		})
		require.NoError(t, err)

		retried, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			ThreadID: id, AuthorID: "u1",
			TargetMode: domain.TargetRetry, TargetFromMessageID: "q1",
		})
		require.NoError(t, err)
		assert.Equal(t, first.UserMessage.ID, retried.UserMessage.ID)
		msgs, err := s.GetMessagesByThreadID(ctx, id)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "q1", msgs[0].MessageID)
		assert.Equal(t, retried.AssistantMessage.MessageID, msgs[1].MessageID)

		_, err = s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			ThreadID: id, AuthorID: "u1",
			TargetMode: domain.TargetEdit, TargetFromMessageID: "q1",
			UserParts: []domain.Part{domain.TextPart("edited")},
		})
		require.NoError(t, err)
		msgs, err = s.GetMessagesByThreadID(ctx, id)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "edited", msgs[0].Parts[0].Text)

		_, err = s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			ThreadID: id, AuthorID: "u1",
			TargetMode: domain.TargetRetry, TargetFromMessageID: msgs[1].MessageID,
		})
		assert.True(t, errors.Is(err, domain.ErrInvalidTarget))

		_, err = s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
			ThreadID: id, AuthorID: "u1",
			TargetMode: domain.TargetRetry, TargetFromMessageID: "nope",
		})
		assert.True(t, errors.Is(err, domain.ErrMessageNotFound))
	})
}

func TestStreamIDsAreAppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		res, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{AuthorID: "u1"})
		require.NoError(t, err)

		_, ok, err := s.LatestStreamRecord(ctx, res.Thread.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		a, err := s.AppendStreamID(ctx, res.Thread.ID)
		require.NoError(t, err)
		b, err := s.AppendStreamID(ctx, res.Thread.ID)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)

		latest, ok, err := s.LatestStreamRecord(ctx, res.Thread.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, b.ID, latest.ID)

		_, err = s.AppendStreamID(ctx, "missing-thread")
		assert.True(t, errors.Is(err, domain.ErrThreadNotFound))
	})
}

func TestPatchMessageMergesMetadata(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		res, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{AuthorID: "u1"})
		require.NoError(t, err)
		tid, mid := res.Thread.ID, res.AssistantMessage.MessageID

		require.NoError(t, s.PatchMessage(ctx, tid, mid, nil, domain.MessageMetadata{ModelID: "m1", ModelName: "Model"}))
		require.NoError(t, s.PatchMessage(ctx, tid, mid, []domain.Part{domain.TextPart("done")},
			domain.MessageMetadata{CompletionTokens: domain.IntPtr(7)}))

		msgs, err := s.GetMessagesByThreadID(ctx, tid)
		require.NoError(t, err)
		got := msgs[1]
		assert.Equal(t, "done", got.Parts[0].Text)
		assert.Equal(t, "m1", got.Metadata.ModelID)
		require.NotNil(t, got.Metadata.CompletionTokens)
		assert.Equal(t, 7, *got.Metadata.CompletionTokens)

		err = s.PatchMessage(ctx, tid, "missing", nil, domain.MessageMetadata{})
		assert.True(t, errors.Is(err, domain.ErrMessageNotFound))
	})
}

func TestStreamingStateAndLiveSweepQuery(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		res, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{AuthorID: "u1"})
		require.NoError(t, err)
		started := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, s.UpdateThreadStreamingState(ctx, res.Thread.ID, domain.StreamingState{
			IsLive: true, StreamStartedAt: &started, CurrentStreamID: "sid",
		}))

		thread, ok, err := s.GetThread(ctx, res.Thread.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, thread.IsLive)
		assert.Equal(t, "sid", thread.CurrentStreamID)

		stale, err := s.ListLiveThreadsBefore(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Contains(t, threadIDs(stale), res.Thread.ID)

		require.NoError(t, s.UpdateThreadStreamingState(ctx, res.Thread.ID, domain.StreamingState{IsLive: false}))
		thread, _, err = s.GetThread(ctx, res.Thread.ID)
		require.NoError(t, err)
		assert.False(t, thread.IsLive)
		assert.Equal(t, "sid", thread.CurrentStreamID)

		require.NoError(t, s.UpdateThreadTitle(ctx, res.Thread.ID, "Weather talk"))
		thread, _, err = s.GetThread(ctx, res.Thread.ID)
		require.NoError(t, err)
		assert.Equal(t, "Weather talk", thread.Title)

		assert.True(t, errors.Is(s.UpdateThreadTitle(ctx, "missing", "x"), domain.ErrThreadNotFound))
		_, ok, err = s.GetThread(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClearLiveOnlyForCurrentStream(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		res, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{AuthorID: "u1"})
		require.NoError(t, err)
		started := time.Now().UTC()
		require.NoError(t, s.UpdateThreadStreamingState(ctx, res.Thread.ID, domain.StreamingState{
			IsLive: true, StreamStartedAt: &started, CurrentStreamID: "newer",
		}))

		cleared, err := s.ClearLive(ctx, res.Thread.ID, "older")
		require.NoError(t, err)
		assert.False(t, cleared)
		thread, _, err := s.GetThread(ctx, res.Thread.ID)
		require.NoError(t, err)
		assert.True(t, thread.IsLive)

		cleared, err = s.ClearLive(ctx, res.Thread.ID, "newer")
		require.NoError(t, err)
		assert.True(t, cleared)
		thread, _, err = s.GetThread(ctx, res.Thread.ID)
		require.NoError(t, err)
		assert.False(t, thread.IsLive)
		assert.Equal(t, "newer", thread.CurrentStreamID)

		cleared, err = s.ClearLive(ctx, "missing", "newer")
		require.NoError(t, err)
		assert.False(t, cleared)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	res, err := s.CreateThreadOrAppendMessages(ctx, CreateMessagesInput{
		AuthorID:  "u1",
		UserParts: []domain.Part{domain.TextPart("original")},
	})
	require.NoError(t, err)
	res.UserMessage.Parts[0].Text = "mutated"

	msgs, err := s.GetMessagesByThreadID(ctx, res.Thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", msgs[0].Parts[0].Text)
}

func TestStreamIDsSortByTime(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewStreamID(base)
	b := NewStreamID(base.Add(time.Second))
	assert.Less(t, a, b)
	assert.Len(t, a, 26)
}

func threadIDs(threads []domain.Thread) []string {
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	return ids
}
