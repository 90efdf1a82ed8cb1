package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"quillai/pkg/domain"
)

// ChunkModel is one embedded page. The primary key is (namespace, id).
type ChunkModel struct {
	Namespace string           `gorm:"primaryKey"`
	ID        string           `gorm:"primaryKey"`
	Page      int              `gorm:"not null"`
	Content   string           `gorm:"type:text;not null"`
	Metadata  datatypes.JSON   `gorm:"type:jsonb"`
	Embedding *pgvector.Vector `gorm:"type:vector"`
	CreatedAt time.Time        `gorm:"not null"`
}

func (ChunkModel) TableName() string { return "chunks" }

// PGVectorIndex stores chunks in Postgres with the pgvector extension.
type PGVectorIndex struct {
	db  *gorm.DB
	dim int
}

// NewPGVectorIndex migrates the chunks table on db. dim > 0 pins the
// embedding column to vector(dim).
func NewPGVectorIndex(db *gorm.DB, dim int) (*PGVectorIndex, error) {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("create pgvector extension: %w", err)
	}
	if err := db.AutoMigrate(&ChunkModel{}); err != nil {
		return nil, fmt.Errorf("migrate chunks: %w", err)
	}
	if dim > 0 {
		if err := db.Exec(fmt.Sprintf("ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(%d)", dim)).Error; err != nil {
			return nil, fmt.Errorf("alter chunk embedding type: %w", err)
		}
	}
	return &PGVectorIndex{db: db, dim: dim}, nil
}

func (p *PGVectorIndex) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]ChunkModel, 0, len(records))
	now := time.Now().UTC()
	for _, r := range records {
		if err := validateDim(r.Vector, p.dim); err != nil {
			return err
		}
		meta, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("encode chunk metadata: %w", err)
		}
		vec := pgvector.NewVector(r.Vector)
		models = append(models, ChunkModel{
			Namespace: namespace,
			ID:        r.ID,
			Page:      r.Page,
			Content:   r.Text,
			Metadata:  datatypes.JSON(meta),
			Embedding: &vec,
			CreatedAt: now,
		})
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"page", "content", "metadata", "embedding"}),
		}).
		CreateInBatches(&models, 200).Error
}

func (p *PGVectorIndex) Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if err := validateDim(vector, p.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}
	type scored struct {
		ChunkModel
		Score float64
	}
	vec := pgvector.NewVector(vector)
	var rows []scored
	err := p.db.WithContext(ctx).
		Model(&ChunkModel{}).
		Select("chunks.*, 1 - (embedding <=> ?) AS score", vec).
		Where("namespace = ? AND embedding IS NOT NULL", namespace).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(rows))
	for _, row := range rows {
		out = append(out, Match{Chunk: chunkFromModel(row.ChunkModel), Score: row.Score})
	}
	return out, nil
}

func (p *PGVectorIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	return p.db.WithContext(ctx).Delete(&ChunkModel{}, "namespace = ?", namespace).Error
}

func chunkFromModel(m ChunkModel) domain.Chunk {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Chunk{ID: m.ID, FileID: m.Namespace, Page: m.Page, Text: m.Content, Meta: meta}
}
