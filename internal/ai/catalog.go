package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Model is a row of the admin-managed model catalog.
type Model struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"type:varchar(64);not null" json:"name"`
	Code        string    `gorm:"type:varchar(128);not null" json:"code"`
	Provider    string    `gorm:"type:varchar(32);not null" json:"provider"`
	Description string    `gorm:"type:varchar(255)" json:"description"`
	Enabled     bool      `gorm:"not null;index" json:"enabled"`
	SortOrder   int       `gorm:"not null;default:0" json:"sortOrder"`
	Deleted     bool      `gorm:"not null;index" json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Model) TableName() string { return "ai_model" }

// Catalog resolves model ids to provider/model pairs.
// When the table holds no enabled model the fallback built from configuration is used.
type Catalog struct {
	db       *gorm.DB
	registry *Registry
	fallback *Model
}

func NewCatalog(db *gorm.DB, registry *Registry, fallbackProvider, fallbackModel string) *Catalog {
	c := &Catalog{db: db, registry: registry}
	if fallbackProvider != "" {
		c.fallback = &Model{Name: fallbackProvider, Code: fallbackModel, Provider: fallbackProvider, Enabled: true}
	}
	return c
}

func (c *Catalog) ListEnabled(ctx context.Context) ([]Model, error) {
	var out []Model
	err := c.db.WithContext(ctx).
		Where("enabled = ? AND deleted = ?", true, false).
		Order("sort_order ASC").
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// Resolve returns the requested model when it exists and is enabled,
// otherwise the first enabled model by sort order.
func (c *Catalog) Resolve(ctx context.Context, modelID *uint64) (Model, error) {
	if modelID != nil && *modelID > 0 {
		var m Model
		err := c.db.WithContext(ctx).Where("id = ? AND enabled = ? AND deleted = ?", *modelID, true, false).First(&m).Error
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Model{}, err
		}
	}

	var m Model
	err := c.db.WithContext(ctx).
		Where("enabled = ? AND deleted = ?", true, false).
		Order("sort_order ASC").
		Order("id ASC").
		First(&m).Error
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Model{}, err
	}
	if c.fallback != nil {
		return *c.fallback, nil
	}
	return Model{}, ErrNoModel
}

// Open resolves a model and instantiates its provider.
func (c *Catalog) Open(ctx context.Context, modelID *uint64) (Model, Provider, error) {
	m, err := c.Resolve(ctx, modelID)
	if err != nil {
		return Model{}, nil, err
	}
	if c.registry == nil {
		return m, nil, ErrNoModel
	}
	p, err := c.registry.Get(ctx, m.Provider, m.Code)
	if err != nil {
		return m, nil, fmt.Errorf("%w: %w", ErrNoModel, err)
	}
	return m, p, nil
}
