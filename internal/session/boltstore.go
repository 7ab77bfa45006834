package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/whatsgate/internal/waproto"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltStore is the embedded session backend for deployments without a
// database server. Same contract and retention semantics as GormStore.
type BoltStore struct {
	db        *bbolt.DB
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*BoltStore)(nil)

var sessionBucket = []byte("whatsapp_sessions")

type boltRecord struct {
	AuthState string    `json:"auth_state"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBoltStore(path string, retention time.Duration) (*BoltStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "session: open bolt store")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "session: create bucket")
	}
	return &BoltStore{db: db, retention: retention, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) load(number string) (*boltRecord, error) {
	var rec *boltRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get([]byte(number))
		if data == nil {
			return nil
		}
		var r boltRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *BoltStore) Get(ctx context.Context, number string) (*waproto.AuthState, bool) {
	rec, err := s.load(number)
	if err != nil {
		zap.L().Warn("session: bolt get failed, treating as absent", zap.String("number", number), zap.Error(err))
		return nil, false
	}
	if rec == nil {
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

func (s *BoltStore) Put(ctx context.Context, number string, state *waproto.AuthState) {
	text, err := Encode(state)
	if err != nil {
		zap.L().Error("session: encode failed, write skipped", zap.String("number", number), zap.Error(err))
		return
	}
	data, err := json.Marshal(boltRecord{AuthState: text, UpdatedAt: s.now()})
	if err != nil {
		zap.L().Error("session: bolt record marshal failed", zap.String("number", number), zap.Error(err))
		return
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(number), data)
	})
	if err != nil {
		zap.L().Warn("session: bolt put failed, write dropped", zap.String("number", number), zap.Error(err))
	}
}

func (s *BoltStore) Delete(ctx context.Context, number string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(number))
	})
	if err != nil {
		zap.L().Warn("session: bolt delete failed", zap.String("number", number), zap.Error(err))
	}
}

func (s *BoltStore) ListActive(ctx context.Context) []string {
	cutoff := s.now().Add(-s.retention)
	var numbers []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.UpdatedAt.After(cutoff) {
				numbers = append(numbers, string(k))
			}
			return nil
		})
	})
	if err != nil {
		zap.L().Warn("session: bolt list failed", zap.Error(err))
		return nil
	}
	return numbers
}

func (s *BoltStore) Info(ctx context.Context, number string) Info {
	rec, err := s.load(number)
	if err != nil {
		zap.L().Warn("session: bolt info failed", zap.String("number", number), zap.Error(err))
		return Info{Number: number, Exists: false, TTL: TTLAbsent}
	}
	if rec == nil {
		return Info{Number: number, Exists: false, TTL: TTLAbsent}
	}
	return makeInfo(number, rec.UpdatedAt, s.retention, s.now())
}

// ClearExpired removes every record past retention.
func (s *BoltStore) ClearExpired(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)
	var removed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		var stale [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil || !r.UpdatedAt.After(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		zap.L().Warn("session: bolt expiry sweep failed", zap.Error(err))
	}
	return removed
}
