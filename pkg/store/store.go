package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadstream/internal/util"
	"threadstream/pkg/domain"
)

const DefaultThreadTitle = "New Chat"

// Store persists threads, stream records and messages.
type Store interface {
	// CreateThreadOrAppendMessages is the only operation that creates threads.
	// It inserts (or reuses) the user message and always pairs it with an
	// assistant placeholder in the same transaction.
	CreateThreadOrAppendMessages(ctx context.Context, in CreateMessagesInput) (CreateMessagesResult, error)
	AppendStreamID(ctx context.Context, threadID string) (domain.StreamRecord, error)
	LatestStreamRecord(ctx context.Context, threadID string) (domain.StreamRecord, bool, error)
	// PatchMessage replaces parts and merges metadata of a message addressed
	// by its logical id.
	PatchMessage(ctx context.Context, threadID, messageID string, parts []domain.Part, meta domain.MessageMetadata) error
	UpdateThreadStreamingState(ctx context.Context, threadID string, state domain.StreamingState) error
	// ClearLive drops the live flag only while streamID is still the thread's
	// current stream. It reports whether the flag was cleared.
	ClearLive(ctx context.Context, threadID, streamID string) (bool, error)
	UpdateThreadTitle(ctx context.Context, threadID, title string) error
	GetThread(ctx context.Context, threadID string) (domain.Thread, bool, error)
	GetMessagesByThreadID(ctx context.Context, threadID string) ([]domain.Message, error)
	// ListLiveThreadsBefore returns live threads whose stream started before cutoff.
	ListLiveThreadsBefore(ctx context.Context, cutoff time.Time) ([]domain.Thread, error)
}

// CreateMessagesInput describes one incoming user turn.
type CreateMessagesInput struct {
	// ThreadID may name a thread that does not exist yet; it is then created.
	// Empty means a new thread with a generated id.
	ThreadID           string
	AuthorID           string
	UserMessageID      string
	UserParts          []domain.Part
	AssistantMessageID string
	TargetMode         domain.TargetMode
	// TargetFromMessageID names the user message a retry or edit starts from.
	TargetFromMessageID string
}

type CreateMessagesResult struct {
	Thread           domain.Thread
	ThreadCreated    bool
	UserMessage      domain.Message
	AssistantMessage domain.Message
}

// NewStreamID returns a time-sortable stream id.
func NewStreamID(now time.Time) string {
	return util.NewSortableID(now)
}

// NewThreadID returns a time-sortable thread id.
func NewThreadID(now time.Time) string {
	return strings.ToLower(NewStreamID(now))
}

func normalizeInput(in CreateMessagesInput) CreateMessagesInput {
	in.ThreadID = strings.TrimSpace(in.ThreadID)
	in.UserMessageID = strings.TrimSpace(in.UserMessageID)
	in.AssistantMessageID = strings.TrimSpace(in.AssistantMessageID)
	if in.UserMessageID == "" && in.TargetMode == domain.TargetNone {
		in.UserMessageID = uuid.NewString()
	}
	if in.AssistantMessageID == "" {
		in.AssistantMessageID = uuid.NewString()
	}
	return in
}

// messageSpacing keeps rows of one thread strictly ordered by created_at even
// when they are written within the same clock tick.
const messageSpacing = time.Millisecond

// nextAfter returns now, or prev+messageSpacing when now does not leave room.
func nextAfter(prev, now time.Time) time.Time {
	if floor := prev.Add(messageSpacing); now.Before(floor) {
		return floor
	}
	return now
}
