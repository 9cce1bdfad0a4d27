package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"threadstream/internal/util"
	"threadstream/pkg/domain"
)

// MemoryStore is an in-process Store with the same semantics as GormStore.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	threads  map[string]domain.Thread
	messages map[string][]domain.Message
	streams  map[string][]domain.StreamRecord
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		threads:  make(map[string]domain.Thread),
		messages: make(map[string][]domain.Message),
		streams:  make(map[string][]domain.StreamRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreateThreadOrAppendMessages(_ context.Context, in CreateMessagesInput) (CreateMessagesResult, error) {
	in = normalizeInput(in)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if in.ThreadID == "" {
		in.ThreadID = NewThreadID(now)
	}
	var res CreateMessagesResult
	thread, exists := s.threads[in.ThreadID]
	switch {
	case exists && thread.AuthorID != in.AuthorID:
		return res, domain.ErrForbidden
	case !exists && in.TargetMode != domain.TargetNone:
		return res, domain.ErrThreadNotFound
	case !exists:
		thread = domain.Thread{
			ID:        in.ThreadID,
			AuthorID:  in.AuthorID,
			Title:     DefaultThreadTitle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		res.ThreadCreated = true
	}

	msgs := s.messages[thread.ID]
	var user domain.Message
	if in.TargetMode != domain.TargetNone {
		idx := indexOf(msgs, in.TargetFromMessageID)
		if idx < 0 {
			return res, domain.ErrMessageNotFound
		}
		if msgs[idx].Role != domain.RoleUser {
			return res, domain.ErrInvalidTarget
		}
		if in.TargetMode == domain.TargetEdit {
			msgs[idx].Parts = domain.CloneParts(in.UserParts)
			msgs[idx].UpdatedAt = now
		}
		msgs = msgs[:idx+1]
		user = msgs[idx]
	} else if idx := indexOf(msgs, in.UserMessageID); idx >= 0 {
		if msgs[idx].Role != domain.RoleUser {
			return res, domain.ErrInvalidTarget
		}
		user = msgs[idx]
	} else {
		at := now
		if n := len(msgs); n > 0 {
			at = nextAfter(msgs[n-1].CreatedAt, now)
		}
		user = domain.Message{
			ID:        util.NewID(),
			MessageID: in.UserMessageID,
			ThreadID:  thread.ID,
			Role:      domain.RoleUser,
			Parts:     domain.CloneParts(in.UserParts),
			CreatedAt: at,
			UpdatedAt: at,
		}
		msgs = append(msgs, user)
	}

	var assistant domain.Message
	if idx := indexOf(msgs, in.AssistantMessageID); idx >= 0 {
		assistant = msgs[idx]
	} else {
		at := nextAfter(user.CreatedAt, now)
		assistant = domain.Message{
			ID:        util.NewID(),
			MessageID: in.AssistantMessageID,
			ThreadID:  thread.ID,
			Role:      domain.RoleAssistant,
			Parts:     []domain.Part{},
			CreatedAt: at,
			UpdatedAt: at,
		}
		msgs = append(msgs, assistant)
	}
	sortMessages(msgs)

	thread.UpdatedAt = now
	s.threads[thread.ID] = thread
	s.messages[thread.ID] = msgs

	res.Thread = cloneThread(thread)
	res.UserMessage = cloneMessage(user)
	res.AssistantMessage = cloneMessage(assistant)
	return res, nil
}

func (s *MemoryStore) AppendStreamID(_ context.Context, threadID string) (domain.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return domain.StreamRecord{}, domain.ErrThreadNotFound
	}
	now := s.now()
	rec := domain.StreamRecord{ID: NewStreamID(now), ThreadID: threadID, CreatedAt: now}
	s.streams[threadID] = append(s.streams[threadID], rec)
	return rec, nil
}

func (s *MemoryStore) LatestStreamRecord(_ context.Context, threadID string) (domain.StreamRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.streams[threadID]
	if len(recs) == 0 {
		return domain.StreamRecord{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

func (s *MemoryStore) PatchMessage(_ context.Context, threadID, messageID string, parts []domain.Part, meta domain.MessageMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	idx := indexOf(msgs, messageID)
	if idx < 0 {
		return domain.ErrMessageNotFound
	}
	msgs[idx].Parts = domain.CloneParts(parts)
	msgs[idx].Metadata = msgs[idx].Metadata.Merge(meta)
	msgs[idx].UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateThreadStreamingState(_ context.Context, threadID string, state domain.StreamingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}
	thread.IsLive = state.IsLive
	if state.StreamStartedAt != nil {
		t := *state.StreamStartedAt
		thread.StreamStartedAt = &t
	}
	if state.CurrentStreamID != "" {
		thread.CurrentStreamID = state.CurrentStreamID
	}
	thread.UpdatedAt = s.now()
	s.threads[threadID] = thread
	return nil
}

func (s *MemoryStore) ClearLive(_ context.Context, threadID, streamID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok || !thread.IsLive || thread.CurrentStreamID != streamID {
		return false, nil
	}
	thread.IsLive = false
	thread.UpdatedAt = s.now()
	s.threads[threadID] = thread
	return true, nil
}

func (s *MemoryStore) UpdateThreadTitle(_ context.Context, threadID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}
	thread.Title = title
	thread.UpdatedAt = s.now()
	s.threads[threadID] = thread
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (domain.Thread, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return domain.Thread{}, false, nil
	}
	return cloneThread(thread), true, nil
}

func (s *MemoryStore) GetMessagesByThreadID(_ context.Context, threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) ListLiveThreadsBefore(_ context.Context, cutoff time.Time) ([]domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Thread
	for _, t := range s.threads {
		if t.IsLive && t.StreamStartedAt != nil && t.StreamStartedAt.Before(cutoff) {
			out = append(out, cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func indexOf(msgs []domain.Message, messageID string) int {
	if messageID == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].MessageID == messageID {
			return i
		}
	}
	return -1
}

func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func cloneThread(t domain.Thread) domain.Thread {
	if t.StreamStartedAt != nil {
		v := *t.StreamStartedAt
		t.StreamStartedAt = &v
	}
	return t
}

func cloneMessage(m domain.Message) domain.Message {
	m.Parts = domain.CloneParts(m.Parts)
	m.Metadata = domain.MessageMetadata{}.Merge(m.Metadata)
	return m
}
