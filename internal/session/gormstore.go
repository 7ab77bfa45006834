package session

import (
	"context"
	"errors"
	"time"

	"github.com/talkincode/whatsgate/internal/domain"
	"github.com/talkincode/whatsgate/internal/waproto"
	"github.com/talkincode/whatsgate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists sessions in the whatsapp_sessions table.
type GormStore struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, retention time.Duration) *GormStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &GormStore{db: db, retention: retention, now: time.Now}
}

func (s *GormStore) Get(ctx context.Context, number string) (*waproto.AuthState, bool) {
	var rec domain.WhatsappSession
	err := s.db.WithContext(ctx).Where("number = ?", number).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false
	case err != nil:
		zap.L().Warn("session: get failed, treating as absent", zap.String("number", number), zap.Error(err))
		return nil, false
	}

	if expired(rec.UpdatedAt, s.retention, s.now()) {
		zap.L().Info("session: expired, removing", zap.String("number", number), zap.Time("updated_at", rec.UpdatedAt))
		s.Delete(ctx, number)
		return nil, false
	}

	state, err := Decode(rec.AuthState)
	if err != nil {
		zap.L().Warn("session: undecodable record, removing", zap.String("number", number), zap.Error(err))
		s.Delete(ctx, number)
		return nil, false
	}
	return state, true
}

func (s *GormStore) Put(ctx context.Context, number string, state *waproto.AuthState) {
	text, err := Encode(state)
	if err != nil {
		zap.L().Error("session: encode failed, write skipped", zap.String("number", number), zap.Error(err))
		return
	}
	rec := domain.WhatsappSession{
		ID:        common.UUIDint64(),
		Number:    number,
		AuthState: text,
		UpdatedAt: s.now(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{"auth_state", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		zap.L().Warn("session: put failed, write dropped", zap.String("number", number), zap.Error(err))
	}
}

func (s *GormStore) Delete(ctx context.Context, number string) {
	err := s.db.WithContext(ctx).Where("number = ?", number).Delete(&domain.WhatsappSession{}).Error
	if err != nil {
		zap.L().Warn("session: delete failed", zap.String("number", number), zap.Error(err))
	}
}

func (s *GormStore) ListActive(ctx context.Context) []string {
	cutoff := s.now().Add(-s.retention)
	var numbers []string
	err := s.db.WithContext(ctx).Model(&domain.WhatsappSession{}).
		Where("updated_at > ?", cutoff).
		Order("updated_at DESC").
		Pluck("number", &numbers).Error
	if err != nil {
		zap.L().Warn("session: list failed", zap.Error(err))
		return nil
	}
	return numbers
}

func (s *GormStore) Info(ctx context.Context, number string) Info {
	var rec domain.WhatsappSession
	err := s.db.WithContext(ctx).Where("number = ?", number).First(&rec).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			zap.L().Warn("session: info query failed", zap.String("number", number), zap.Error(err))
		}
		return Info{Number: number, Exists: false, TTL: TTLAbsent}
	}
	return makeInfo(number, rec.UpdatedAt, s.retention, s.now())
}

// ClearExpired removes every row past retention. The lazy path in Get
// already covers correctness; this reclaims rows nobody reads anymore.
func (s *GormStore) ClearExpired(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)
	res := s.db.WithContext(ctx).Where("updated_at <= ?", cutoff).Delete(&domain.WhatsappSession{})
	if res.Error != nil {
		zap.L().Warn("session: expiry sweep failed", zap.Error(res.Error))
		return 0
	}
	return res.RowsAffected
}
