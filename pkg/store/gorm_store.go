package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"threadstream/internal/util"
	"threadstream/pkg/domain"
)

const migrateLockID int64 = 73217321

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ThreadModel{}, &StreamRecordModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the connection so sibling stores can share the pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateThreadOrAppendMessages runs the whole turn in one transaction.
func (s *GormStore) CreateThreadOrAppendMessages(ctx context.Context, in CreateMessagesInput) (CreateMessagesResult, error) {
	in = normalizeInput(in)
	now := time.Now().UTC()
	if in.ThreadID == "" {
		in.ThreadID = NewThreadID(now)
	}
	var res CreateMessagesResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread ThreadModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&thread, "id = ?", in.ThreadID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if in.TargetMode != domain.TargetNone {
				return domain.ErrThreadNotFound
			}
			thread = ThreadModel{
				ID:        in.ThreadID,
				AuthorID:  in.AuthorID,
				Title:     DefaultThreadTitle,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&thread).Error; err != nil {
				return fmt.Errorf("create thread: %w", err)
			}
			res.ThreadCreated = true
		case err != nil:
			return err
		case thread.AuthorID != in.AuthorID:
			return domain.ErrForbidden
		}

		var user MessageModel
		if in.TargetMode != domain.TargetNone {
			if err := tx.First(&user, "thread_id = ? AND message_id = ?", thread.ID, in.TargetFromMessageID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return domain.ErrMessageNotFound
				}
				return err
			}
			if user.Role != string(domain.RoleUser) {
				return domain.ErrInvalidTarget
			}
			if in.TargetMode == domain.TargetEdit {
				parts, err := marshalParts(in.UserParts)
				if err != nil {
					return err
				}
				user.Parts = parts
				user.UpdatedAt = now
				if err := tx.Model(&MessageModel{}).Where("id = ?", user.ID).
					Updates(map[string]any{"parts": parts, "updated_at": now}).Error; err != nil {
					return fmt.Errorf("edit message: %w", err)
				}
			}
			if err := tx.Where("thread_id = ? AND created_at > ?", thread.ID, user.CreatedAt).
				Delete(&MessageModel{}).Error; err != nil {
				return fmt.Errorf("truncate thread: %w", err)
			}
		} else {
			err := tx.First(&user, "thread_id = ? AND message_id = ?", thread.ID, in.UserMessageID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				parts, err := marshalParts(in.UserParts)
				if err != nil {
					return err
				}
				at, err := nextMessageTime(tx, thread.ID, now)
				if err != nil {
					return err
				}
				user = MessageModel{
					ID:        util.NewID(),
					MessageID: in.UserMessageID,
					ThreadID:  thread.ID,
					Role:      string(domain.RoleUser),
					Parts:     parts,
					CreatedAt: at,
					UpdatedAt: at,
				}
				if err := tx.Create(&user).Error; err != nil {
					return fmt.Errorf("create user message: %w", err)
				}
			case err != nil:
				return err
			case user.Role != string(domain.RoleUser):
				return domain.ErrInvalidTarget
			}
		}

		var assistant MessageModel
		err = tx.First(&assistant, "thread_id = ? AND message_id = ?", thread.ID, in.AssistantMessageID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			at := nextAfter(user.CreatedAt, now)
			assistant = MessageModel{
				ID:        util.NewID(),
				MessageID: in.AssistantMessageID,
				ThreadID:  thread.ID,
				Role:      string(domain.RoleAssistant),
				Parts:     datatypes.JSON("[]"),
				CreatedAt: at,
				UpdatedAt: at,
			}
			if err := tx.Create(&assistant).Error; err != nil {
				return fmt.Errorf("create assistant message: %w", err)
			}
		case err != nil:
			return err
		}

		thread.UpdatedAt = now
		if err := tx.Model(&ThreadModel{}).Where("id = ?", thread.ID).Update("updated_at", now).Error; err != nil {
			return err
		}

		res.Thread = threadFromModel(thread)
		if res.UserMessage, err = messageFromModel(user); err != nil {
			return err
		}
		if res.AssistantMessage, err = messageFromModel(assistant); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return CreateMessagesResult{}, err
	}
	return res, nil
}

func (s *GormStore) AppendStreamID(ctx context.Context, threadID string) (domain.StreamRecord, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ThreadModel{}).Where("id = ?", threadID).Count(&count).Error; err != nil {
		return domain.StreamRecord{}, err
	}
	if count == 0 {
		return domain.StreamRecord{}, domain.ErrThreadNotFound
	}
	now := time.Now().UTC()
	model := StreamRecordModel{ID: NewStreamID(now), ThreadID: threadID, CreatedAt: now}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.StreamRecord{}, fmt.Errorf("append stream id: %w", err)
	}
	return domain.StreamRecord{ID: model.ID, ThreadID: model.ThreadID, CreatedAt: model.CreatedAt}, nil
}

func (s *GormStore) LatestStreamRecord(ctx context.Context, threadID string) (domain.StreamRecord, bool, error) {
	var model StreamRecordModel
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).
		Order("created_at DESC").Order("id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.StreamRecord{}, false, nil
		}
		return domain.StreamRecord{}, false, err
	}
	return domain.StreamRecord{ID: model.ID, ThreadID: model.ThreadID, CreatedAt: model.CreatedAt}, true, nil
}

// PatchMessage locks the row so concurrent metadata merges do not lose fields.
func (s *GormStore) PatchMessage(ctx context.Context, threadID, messageID string, parts []domain.Part, meta domain.MessageMetadata) error {
	rawParts, err := marshalParts(parts)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "thread_id = ? AND message_id = ?", threadID, messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrMessageNotFound
			}
			return err
		}
		var current domain.MessageMetadata
		if len(model.Metadata) > 0 {
			if err := json.Unmarshal(model.Metadata, &current); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
		}
		merged, err := json.Marshal(current.Merge(meta))
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		return tx.Model(&MessageModel{}).Where("id = ?", model.ID).Updates(map[string]any{
			"parts":      rawParts,
			"metadata":   datatypes.JSON(merged),
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

func (s *GormStore) UpdateThreadStreamingState(ctx context.Context, threadID string, state domain.StreamingState) error {
	updates := map[string]any{
		"is_live":    state.IsLive,
		"updated_at": time.Now().UTC(),
	}
	if state.StreamStartedAt != nil {
		updates["stream_started_at"] = state.StreamStartedAt.UTC()
	}
	if state.CurrentStreamID != "" {
		updates["current_stream_id"] = state.CurrentStreamID
	}
	tx := s.db.WithContext(ctx).Model(&ThreadModel{}).Where("id = ?", threadID).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (s *GormStore) ClearLive(ctx context.Context, threadID, streamID string) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ? AND current_stream_id = ? AND is_live = ?", threadID, streamID, true).
		Updates(map[string]any{"is_live": false, "updated_at": time.Now().UTC()})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (s *GormStore) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	tx := s.db.WithContext(ctx).Model(&ThreadModel{}).Where("id = ?", threadID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (s *GormStore) GetThread(ctx context.Context, threadID string) (domain.Thread, bool, error) {
	var model ThreadModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return threadFromModel(model), true, nil
}

func (s *GormStore) GetMessagesByThreadID(ctx context.Context, threadID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) ListLiveThreadsBefore(ctx context.Context, cutoff time.Time) ([]domain.Thread, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).
		Where("is_live = ? AND stream_started_at < ?", true, cutoff.UTC()).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	threads := make([]domain.Thread, 0, len(models))
	for _, model := range models {
		threads = append(threads, threadFromModel(model))
	}
	return threads, nil
}

func nextMessageTime(tx *gorm.DB, threadID string, now time.Time) (time.Time, error) {
	var last sql.NullTime
	if err := tx.Model(&MessageModel{}).Where("thread_id = ?", threadID).
		Select("MAX(created_at)").Row().Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("read last message time: %w", err)
	}
	if !last.Valid {
		return now, nil
	}
	return nextAfter(last.Time, now), nil
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:              m.ID,
		AuthorID:        m.AuthorID,
		Title:           m.Title,
		IsLive:          m.IsLive,
		StreamStartedAt: m.StreamStartedAt,
		CurrentStreamID: m.CurrentStreamID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:        m.ID,
		MessageID: m.MessageID,
		ThreadID:  m.ThreadID,
		Role:      domain.Role(m.Role),
		Parts:     []domain.Part{},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Parts) > 0 {
		if err := json.Unmarshal(m.Parts, &msg.Parts); err != nil {
			return domain.Message{}, fmt.Errorf("decode parts of %s: %w", m.MessageID, err)
		}
	}
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &msg.Metadata); err != nil {
			return domain.Message{}, fmt.Errorf("decode metadata of %s: %w", m.MessageID, err)
		}
	}
	return msg, nil
}

func marshalParts(parts []domain.Part) (datatypes.JSON, error) {
	raw, err := json.Marshal(domain.CloneParts(parts))
	if err != nil {
		return nil, fmt.Errorf("encode parts: %w", err)
	}
	return datatypes.JSON(raw), nil
}
