package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
)

// GenerationRow is the SQL shape of a generation record. List-valued and
// nested fields are stored as JSON columns.
type GenerationRow struct {
	UserID               string                                  `gorm:"type:varchar(128);primaryKey;index:idx_generations_user_created,priority:1"`
	GenerationID         string                                  `gorm:"type:varchar(128);primaryKey"`
	Status               string                                  `gorm:"type:varchar(16);not null;index:idx_generations_status_updated,priority:1"`
	Prompt               string                                  `gorm:"type:text"`
	Description          string                                  `gorm:"type:text"`
	ProductDescription   string                                  `gorm:"type:text"`
	Template             string                                  `gorm:"type:varchar(64)"`
	Style                string                                  `gorm:"type:varchar(64)"`
	AspectRatio          string                                  `gorm:"type:varchar(16)"`
	TextInfo             datatypes.JSONType[*domain.TextOverlay] `gorm:"type:text"`
	ProductImageURLs     datatypes.JSONSlice[string]             `gorm:"type:text"`
	InspirationImageURLs datatypes.JSONSlice[string]             `gorm:"type:text"`
	GeneratedImageURL    string                                  `gorm:"type:text"`
	Error                string                                  `gorm:"type:text"`
	Versions             datatypes.JSONSlice[domain.Version]     `gorm:"type:text"`
	CreatedAt            time.Time                               `gorm:"autoCreateTime:false;index:idx_generations_user_created,priority:2"`
	UpdatedAt            time.Time                               `gorm:"autoUpdateTime:false;index:idx_generations_status_updated,priority:2"`
}

// TableName implements the GORM tabler interface.
func (GenerationRow) TableName() string { return "generations" }

func rowFromRecord(g *domain.GenerationRecord) *GenerationRow {
	return &GenerationRow{
		UserID:               g.UserID,
		GenerationID:         g.GenerationID,
		Status:               string(g.Status),
		Prompt:               g.Prompt,
		Description:          g.Description,
		ProductDescription:   g.ProductDescription,
		Template:             g.Template,
		Style:                g.Style,
		AspectRatio:          g.AspectRatio,
		TextInfo:             datatypes.NewJSONType(g.TextInfo),
		ProductImageURLs:     datatypes.NewJSONSlice(g.ProductImageURLs),
		InspirationImageURLs: datatypes.NewJSONSlice(g.InspirationImageURLs),
		GeneratedImageURL:    g.GeneratedImageURL,
		Error:                g.Error,
		Versions:             datatypes.NewJSONSlice(g.Versions),
		CreatedAt:            g.CreatedAt.UTC(),
		UpdatedAt:            g.UpdatedAt.UTC(),
	}
}

func (r *GenerationRow) record() *domain.GenerationRecord {
	return &domain.GenerationRecord{
		UserID:               r.UserID,
		GenerationID:         r.GenerationID,
		Status:               domain.Status(r.Status),
		Prompt:               r.Prompt,
		Description:          r.Description,
		ProductDescription:   r.ProductDescription,
		Template:             r.Template,
		Style:                r.Style,
		AspectRatio:          r.AspectRatio,
		TextInfo:             r.TextInfo.Data(),
		ProductImageURLs:     []string(r.ProductImageURLs),
		InspirationImageURLs: []string(r.InspirationImageURLs),
		GeneratedImageURL:    r.GeneratedImageURL,
		Error:                r.Error,
		Versions:             []domain.Version(r.Versions),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// SQLStore is a GenerationStore backed by GORM.
type SQLStore struct {
	DB *gorm.DB
	// PollInterval controls how often Watch re-reads the row. Defaults to 500ms.
	PollInterval time.Duration
}

// NewSQLStore returns a store over db. The schema must already be migrated.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{DB: db, PollInterval: 500 * time.Millisecond}
}

func getRow(ctx context.Context, db *gorm.DB, userID, generationID string) (*GenerationRow, error) {
	var row GenerationRow
	err := db.WithContext(ctx).
		Where("user_id = ? AND generation_id = ?", userID, generationID).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Get implements GenerationStore.
func (s *SQLStore) Get(ctx context.Context, userID, generationID string) (*domain.GenerationRecord, error) {
	row, err := getRow(ctx, s.DB, userID, generationID)
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// Create implements GenerationStore.
func (s *SQLStore) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	if err := s.DB.WithContext(ctx).Create(rowFromRecord(rec)).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// Update implements GenerationStore inside a single DB transaction.
func (s *SQLStore) Update(ctx context.Context, userID, generationID string, mutate Mutator) (*domain.GenerationRecord, error) {
	var out *domain.GenerationRecord
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := getRow(ctx, tx, userID, generationID)
		if err != nil {
			return err
		}
		rec := row.record()
		if err := mutate(rec); err != nil {
			return err
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		if err := tx.Save(rowFromRecord(rec)).Error; err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByUser implements GenerationStore.
func (s *SQLStore) ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.GenerationRecord, int64, error) {
	byUser := func() *gorm.DB {
		return s.DB.WithContext(ctx).Model(&GenerationRow{}).Where("user_id = ?", userID)
	}
	var total int64
	if err := byUser().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.GenerationRecord{}, 0, nil
	}
	var rows []GenerationRow
	if err := byUser().Order("created_at DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]domain.GenerationRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].record())
	}
	return out, total, nil
}

// ListStale implements GenerationStore.
func (s *SQLStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.GenerationRecord, error) {
	var rows []GenerationRow
	err := s.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(domain.StatusProcessing), cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.GenerationRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].record())
	}
	return out, nil
}

// Watch implements GenerationStore by polling. The first read is always
// emitted; later reads only when the row visibly changed.
func (s *SQLStore) Watch(ctx context.Context, userID, generationID string) (<-chan Snapshot, error) {
	first, err := s.Get(ctx, userID, generationID)
	if err != nil {
		return nil, err
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		if !sendSnapshot(ctx, ch, Snapshot{Record: first}) {
			return
		}
		last := first
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur, err := s.Get(ctx, userID, generationID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sendSnapshot(ctx, ch, Snapshot{Err: err})
				return
			}
			if cur.Status == last.Status && cur.UpdatedAt.Equal(last.UpdatedAt) && len(cur.Versions) == len(last.Versions) {
				continue
			}
			last = cur
			if !sendSnapshot(ctx, ch, Snapshot{Record: cur}) {
				return
			}
		}
	}()
	return ch, nil
}

// isUniqueViolation matches the plain-text errors glebarez/sqlite returns for
// UNIQUE and PRIMARY KEY conflicts.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "constraint failed: primary key")
}
