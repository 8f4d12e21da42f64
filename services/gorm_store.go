package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guild-ledger/models"

	"gorm.io/gorm"
)

type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// AutoMigrate creates or updates the ledger, completed-list and history tables.
func (s *GormStore) AutoMigrate() error {
	return s.DB.AutoMigrate(
		&models.Request{},
		&models.CompletedRequest{},
		&models.Action{},
	)
}

func (s *GormStore) LoadLedger(ctx context.Context, guildID string, kind models.LedgerKind) ([]models.Request, error) {
	var requests []models.Request
	err := s.DB.WithContext(ctx).
		Where("guild_id = ? AND kind = ?", guildID, kind).
		Order("position ASC").
		Find(&requests).Error
	return requests, err
}

// SaveLedger replaces the stored ledger with w.Requests in one transaction.
func (s *GormStore) SaveLedger(ctx context.Context, guildID string, kind models.LedgerKind, w LedgerWrite) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ? AND kind = ?", guildID, kind).Delete(&models.Request{}).Error; err != nil {
			return fmt.Errorf("clear ledger: %w", err)
		}
		if len(w.Requests) > 0 {
			if err := tx.Create(&w.Requests).Error; err != nil {
				return fmt.Errorf("write ledger: %w", err)
			}
		}
		if len(w.Archive) > 0 {
			if err := tx.Create(&w.Archive).Error; err != nil {
				return fmt.Errorf("archive completed: %w", err)
			}
		}
		if len(w.Unarchive) > 0 {
			if err := tx.Where("guild_id = ? AND request_id IN ?", guildID, w.Unarchive).
				Delete(&models.CompletedRequest{}).Error; err != nil {
				return fmt.Errorf("unarchive completed: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) ListCompleted(ctx context.Context, guildID string, limit int) ([]models.CompletedRequest, error) {
	var done []models.CompletedRequest
	q := s.DB.WithContext(ctx).Where("guild_id = ?", guildID).Order("completed_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&done).Error
	return done, err
}

func (s *GormStore) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("completed_at < ?", before).Delete(&models.CompletedRequest{})
	return res.RowsAffected, res.Error
}

// Guilds lists every guild that has at least one request or action stored.
func (s *GormStore) Guilds(ctx context.Context) ([]string, error) {
	var fromRequests, fromActions []string
	if err := s.DB.WithContext(ctx).Model(&models.Request{}).Distinct().Pluck("guild_id", &fromRequests).Error; err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Model(&models.Action{}).Distinct().Pluck("guild_id", &fromActions).Error; err != nil {
		return nil, err
	}
	return mergeGuildIDs(fromRequests, fromActions), nil
}

func (s *GormStore) AppendAction(ctx context.Context, action *models.Action, keep int) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&models.Action{}).
			Where("guild_id = ?", action.GuildID).
			Select("COALESCE(MAX(id), 0)").
			Scan(&last).Error; err != nil {
			return fmt.Errorf("next action id: %w", err)
		}
		action.ID = last + 1
		if err := tx.Create(action).Error; err != nil {
			return err
		}
		if keep > 0 {
			if err := tx.Where("guild_id = ? AND id <= ?", action.GuildID, action.ID-int64(keep)).
				Delete(&models.Action{}).Error; err != nil {
				return fmt.Errorf("evict old actions: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetAction(ctx context.Context, guildID string, id int64) (*models.Action, error) {
	var action models.Action
	err := s.DB.WithContext(ctx).Where("guild_id = ? AND id = ?", guildID, id).First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("action #%d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (s *GormStore) ListActions(ctx context.Context, guildID string, limit int) ([]models.Action, error) {
	var actions []models.Action
	q := s.DB.WithContext(ctx).Where("guild_id = ?", guildID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&actions).Error
	return actions, err
}

func (s *GormStore) MarkUndone(ctx context.Context, guildID string, id int64, by string, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.Action{}).
		Where("guild_id = ? AND id = ?", guildID, id).
		Updates(map[string]interface{}{
			"undone":    true,
			"undone_by": by,
			"undone_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("action #%d: %w", id, ErrNotFound)
	}
	return nil
}

func mergeGuildIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
