package credentials

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// CustomModel is a model exposed by a user's custom endpoint.
type CustomModel struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Abilities []string `json:"abilities,omitempty"`
}

// ProviderSetting is one provider a user configured. SealedKey is empty for
// endpoints that need no key.
type ProviderSetting struct {
	UserID     string
	ProviderID string
	Name       string
	Endpoint   string
	Enabled    bool
	SealedKey  string
	Custom     bool
	Models     []CustomModel
	UpdatedAt  time.Time
}

// Store reads provider settings.
type Store interface {
	ListProviderSettings(ctx context.Context, userID string) ([]ProviderSetting, error)
	SaveProviderSetting(ctx context.Context, setting ProviderSetting) error
}

type ProviderSettingModel struct {
	UserID     string `gorm:"primaryKey"`
	ProviderID string `gorm:"primaryKey"`
	Name       string
	Endpoint   string
	Enabled    bool `gorm:"not null;default:true"`
	SealedKey  string
	Custom     bool           `gorm:"not null;default:false"`
	Models     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

// GormStore persists provider settings in Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB migrates and wraps an existing connection.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&ProviderSettingModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate provider settings: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) ListProviderSettings(ctx context.Context, userID string) ([]ProviderSetting, error) {
	var models []ProviderSettingModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("provider_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]ProviderSetting, 0, len(models))
	for _, m := range models {
		setting, err := settingFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, setting)
	}
	return out, nil
}

func (s *GormStore) SaveProviderSetting(ctx context.Context, setting ProviderSetting) error {
	model, err := settingToModel(setting)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "endpoint", "enabled", "sealed_key", "custom", "models", "updated_at"}),
	}).Create(&model).Error
}

func settingToModel(s ProviderSetting) (ProviderSettingModel, error) {
	now := time.Now().UTC()
	models, err := marshalModels(s.Models)
	if err != nil {
		return ProviderSettingModel{}, err
	}
	return ProviderSettingModel{
		UserID:     s.UserID,
		ProviderID: s.ProviderID,
		Name:       s.Name,
		Endpoint:   s.Endpoint,
		Enabled:    s.Enabled,
		SealedKey:  s.SealedKey,
		Custom:     s.Custom,
		Models:     models,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func settingFromModel(m ProviderSettingModel) (ProviderSetting, error) {
	models, err := unmarshalModels(m.Models)
	if err != nil {
		return ProviderSetting{}, fmt.Errorf("decode models of %s: %w", m.ProviderID, err)
	}
	return ProviderSetting{
		UserID:     m.UserID,
		ProviderID: m.ProviderID,
		Name:       m.Name,
		Endpoint:   m.Endpoint,
		Enabled:    m.Enabled,
		SealedKey:  m.SealedKey,
		Custom:     m.Custom,
		Models:     models,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]map[string]ProviderSetting
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]map[string]ProviderSetting)}
}

func (s *MemoryStore) ListProviderSettings(_ context.Context, userID string) ([]ProviderSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProviderSetting, 0, len(s.settings[userID]))
	for _, setting := range s.settings[userID] {
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *MemoryStore) SaveProviderSetting(_ context.Context, setting ProviderSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings[setting.UserID] == nil {
		s.settings[setting.UserID] = make(map[string]ProviderSetting)
	}
	setting.UpdatedAt = time.Now().UTC()
	s.settings[setting.UserID][setting.ProviderID] = setting
	return nil
}
