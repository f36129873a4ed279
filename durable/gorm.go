package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/memstore/types"
)

// =============================================================================
// 🗄️ GORM 权威后端
// =============================================================================

// recordRow 记录表行，每个 (kind, id) 恰好一行
type recordRow struct {
	Kind      string    `gorm:"primaryKey;size:32"`
	ID        string    `gorm:"primaryKey;size:36"`
	Version   int64     `gorm:"not null"`
	Status    string    `gorm:"size:16;not null;index"`
	Payload   []byte    `gorm:"type:blob"`
	Degraded  bool      `gorm:"not null;default:false;index"`
	// autoUpdateTime 必须关闭：时间戳由冲突裁决使用，只能显式写入
	UpdatedAt time.Time `gorm:"not null;index;autoUpdateTime:false"`
}

func (recordRow) TableName() string {
	return "records"
}

func (r *recordRow) toRecord() (*types.Record, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("corrupt record id %q: %w", r.ID, err)
	}
	return &types.Record{
		ID:        id,
		Kind:      types.RecordKind(r.Kind),
		Version:   r.Version,
		Status:    types.RecordStatus(r.Status),
		Payload:   r.Payload,
		UpdatedAt: r.UpdatedAt,
		Degraded:  r.Degraded,
	}, nil
}

func rowFromRecord(rec *types.Record) *recordRow {
	return &recordRow{
		Kind:      string(rec.Kind),
		ID:        rec.ID.String(),
		Version:   rec.Version,
		Status:    string(rec.Status),
		Payload:   rec.Payload,
		Degraded:  rec.Degraded,
		UpdatedAt: rec.UpdatedAt,
	}
}

// Gorm GORM 权威后端实现
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGorm 创建 GORM 后端并迁移记录表
func NewGorm(db *gorm.DB, logger *zap.Logger) (*Gorm, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Gorm{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_backend")),
	}, nil
}

// Read 读取单条记录（包含墓碑）
func (g *Gorm) Read(ctx context.Context, key types.RecordKey) (*types.Record, error) {
	var row recordRow
	err := g.db.WithContext(ctx).
		Where("kind = ? AND id = ?", string(key.Kind), key.ID.String()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "record not found: "+key.String())
	}
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "read failed").WithCause(err)
	}
	return row.toRecord()
}

// Write 写入记录，版本号只增不减
//
// 等版本重写视为幂等重放（降级刷写的重试路径），直接接受。
func (g *Gorm) Write(ctx context.Context, record *types.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing recordRow
		err := tx.Where("kind = ? AND id = ?", string(record.Kind), record.ID.String()).
			First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && record.Version < existing.Version {
			return types.NewError(types.ErrConflictDetected,
				fmt.Sprintf("version regression for %s: stored %d, incoming %d",
					record.Key(), existing.Version, record.Version))
		}
		// Save 的 UPDATE 在 MySQL 下按"改变的行数"计数，等值重放会报 0 行
		// 并退化成 Create 撞主键；OnConflict 是各方言一致的真 upsert
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Create(rowFromRecord(record)).Error
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrConflictDetected {
			return err
		}
		return types.NewError(types.ErrBackendUnavailable, "write failed").WithCause(err)
	}
	return nil
}

// Delete 写入墓碑行
func (g *Gorm) Delete(ctx context.Context, key types.RecordKey) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing recordRow
		err := tx.Where("kind = ? AND id = ?", string(key.Kind), key.ID.String()).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewError(types.ErrNotFound, "record not found: "+key.String())
		}
		if err != nil {
			return err
		}
		if existing.Status == string(types.StatusDeleted) {
			// 重复删除幂等
			return nil
		}

		existing.Version++
		existing.Status = string(types.StatusDeleted)
		existing.Payload = nil
		existing.Degraded = false
		existing.UpdatedAt = time.Now().UTC()
		return tx.Save(&existing).Error
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrNotFound {
			return err
		}
		return types.NewError(types.ErrBackendUnavailable, "delete failed").WithCause(err)
	}
	return nil
}

// List 按更新时间倒序返回某类记录
func (g *Gorm) List(ctx context.Context, kind types.RecordKind, limit, offset int) ([]*types.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []recordRow
	err := g.db.WithContext(ctx).
		Where("kind = ?", string(kind)).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "list failed").WithCause(err)
	}

	records := make([]*types.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			g.logger.Warn("skipping corrupt row", zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListDegradedCandidates 返回仍带降级标记的行
func (g *Gorm) ListDegradedCandidates(ctx context.Context, since time.Time, limit int) ([]*types.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []recordRow
	err := g.db.WithContext(ctx).
		Where("degraded = ? AND updated_at >= ?", true, since).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "degraded scan failed").WithCause(err)
	}

	records := make([]*types.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping 探测后端连通性
func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭底层连接
func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
