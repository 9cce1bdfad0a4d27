package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threadstream/internal/tracer"
	"threadstream/internal/util"
	"threadstream/pkg/datastream"
	"threadstream/pkg/domain"
	"threadstream/services/chat/internal/metrics"
)

// Resumption describes how a resume request is served.
type Resumption struct {
	ThreadID string
	StreamID string
	// Mode is "live", "replay" or "empty".
	Mode string
	Body <-chan []byte
}

const (
	ResumeLive   = "live"
	ResumeReplay = "replay"
	ResumeEmpty  = "empty"
)

// Resume reattaches a reader to the thread's latest stream. When no
// publisher is active and the last message is an assistant reply created
// within the resume window, that message is sent as one append_message
// chunk; otherwise the stream is empty.
func (a *App) Resume(ctx context.Context, userID, threadID string) (*Resumption, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.resume")
	defer span.End()

	res, err := a.resume(ctx, strings.TrimSpace(userID), strings.TrimSpace(threadID))
	if err != nil {
		metrics.ResumeRequestsTotal.WithLabelValues(resumeErrorLabel(err)).Inc()
		tracer.RecordError(span, err)
		return nil, err
	}
	metrics.ResumeRequestsTotal.WithLabelValues(res.Mode).Inc()
	span.SetAttributes(tracer.StringAttr("mode", res.Mode), tracer.StringAttr("stream_id", res.StreamID))
	return res, nil
}

func (a *App) resume(ctx context.Context, userID, threadID string) (*Resumption, error) {
	if a.broker == nil {
		return nil, ErrResumeDisabled
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if threadID == "" {
		return nil, fmt.Errorf("%w: chatId required", ErrInvalidRequest)
	}
	thread, ok, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if !ok {
		return nil, ErrThreadNotFound
	}
	if thread.AuthorID != userID {
		return nil, ErrForbidden
	}
	record, ok, err := a.store.LatestStreamRecord(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load stream record: %w", err)
	}
	if !ok {
		return nil, ErrNoStreams
	}

	res := &Resumption{ThreadID: threadID, StreamID: record.ID}
	live, err := a.broker.Resume(ctx, record.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("resume stream: %w", err)
	}
	if live != nil {
		res.Mode = ResumeLive
		res.Body = live
		return res, nil
	}

	messages, err := a.store.GetMessagesByThreadID(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if chunk, ok := a.recentReply(messages); ok {
		res.Mode = ResumeReplay
		res.Body = closedStream(chunk)
		return res, nil
	}
	util.LoggerFromContext(ctx).Debug("resume found nothing recent", "thread_id", threadID, "stream_id", record.ID)
	res.Mode = ResumeEmpty
	res.Body = closedStream()
	return res, nil
}

// recentReply encodes the last message when it is an assistant reply inside
// the resume window.
func (a *App) recentReply(messages []domain.Message) ([]byte, bool) {
	if len(messages) == 0 {
		return nil, false
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleAssistant {
		return nil, false
	}
	if a.now().Sub(last.CreatedAt) > a.resumeWindow {
		return nil, false
	}
	b, err := datastream.Encode(datastream.Data(datastream.DataAppendMessage, last))
	if err != nil {
		a.logger.Warn("encode replay message failed", "message_id", last.MessageID, "err", err)
		return nil, false
	}
	return b, true
}

func closedStream(chunks ...[]byte) <-chan []byte {
	out := make(chan []byte, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out
}

func resumeErrorLabel(err error) string {
	if errors.Is(err, ErrResumeDisabled) {
		return "disabled"
	}
	return "error"
}
