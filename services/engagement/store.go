package engagement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"outreach-engine/pkg/db/option"
	"outreach-engine/pkg/db/pagination"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("engagement: not found")

type Filter struct {
	Status  Status
	Address string
	pagination.Pagination
}

// Store persists engagement records and their follow-up history.
//
// WithLock serializes read-modify-write across callers. Take it before
// opening any transaction the store will join, and never hold it across a
// generation or delivery call.
type Store interface {
	WithTrx(tx *gorm.DB) Store
	WithLock(fn func() error) error
	List(ctx context.Context, filter Filter) ([]*Engagement, *pagination.PageInfo, error)
	Get(ctx context.Context, id string, opts ...option.QueryOption) (*Engagement, error)
	Put(ctx context.Context, e *Engagement) error
	FindByAddress(ctx context.Context, address string) ([]*Engagement, error)
	ListDue(ctx context.Context, now time.Time, total int) ([]*Engagement, error)
}

type gormStore struct {
	mu   *sync.Mutex
	db   *gorm.DB
	node *snowflake.Node
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) Store {
	return &gormStore{mu: &sync.Mutex{}, db: p.DB, node: p.Node}
}

func (s *gormStore) WithTrx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &gormStore{mu: s.mu, db: tx, node: s.node}
}

func (s *gormStore) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func withHistory(db *gorm.DB) *gorm.DB {
	return db.Preload("FollowUps", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	})
}

func (s *gormStore) List(ctx context.Context, filter Filter) ([]*Engagement, *pagination.PageInfo, error) {
	page := filter.Pagination.Normalize()

	q := withHistory(s.db.WithContext(ctx).Model(&Engagement{}))
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if addr := strings.TrimSpace(filter.Address); addr != "" {
		q = q.Where("contact_address = ?", addr)
	}

	cursor, err := pagination.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, nil, err
	}
	if cursor != nil {
		q = q.Where("seq > ?", cursor.Seq)
	}

	var out []*Engagement
	if err := q.Order("seq ASC").Limit(page.Limit + 1).Find(&out).Error; err != nil {
		return nil, nil, err
	}

	out, info := pagination.BuildCursorPage(out, page.Limit, func(e *Engagement) pagination.Cursor {
		return pagination.Cursor{Seq: e.Seq, ID: e.ID}
	})
	return out, info, nil
}

func (s *gormStore) Get(ctx context.Context, id string, opts ...option.QueryOption) (*Engagement, error) {
	q := s.db.WithContext(ctx)
	for _, opt := range opts {
		q = opt(q)
	}

	var e Engagement
	err := withHistory(q).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Put inserts a new record (Seq == 0) or overwrites an existing one, then
// appends any follow-ups not yet stored. Stored history is never rewritten.
func (s *gormStore) Put(ctx context.Context, e *Engagement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e.Seq == 0 {
			id := s.node.Generate()
			if e.ID == "" {
				e.ID = id.String()
			}
			e.Seq = id.Int64()
			if e.Channel == "" {
				e.Channel = ChannelFor(e.ContactAddress)
			}
			if err := tx.Omit(clause.Associations).Create(e).Error; err != nil {
				return err
			}
		} else if err := tx.Omit(clause.Associations).Save(e).Error; err != nil {
			return err
		}

		for i := range e.FollowUps {
			f := &e.FollowUps[i]
			if f.ID != "" {
				continue
			}
			f.ID = s.node.Generate().String()
			f.EngagementID = e.ID
			if err := tx.Create(f).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormStore) FindByAddress(ctx context.Context, address string) ([]*Engagement, error) {
	var out []*Engagement
	err := withHistory(s.db.WithContext(ctx)).
		Where("contact_address = ?", strings.TrimSpace(address)).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDue returns scheduled records whose follow-up time has passed, in
// insertion order.
func (s *gormStore) ListDue(ctx context.Context, now time.Time, total int) ([]*Engagement, error) {
	var out []*Engagement
	err := withHistory(s.db.WithContext(ctx)).
		Where("status = ?", StatusScheduled).
		Where("next_follow_up_at IS NOT NULL AND next_follow_up_at <= ?", now.UTC()).
		Where("follow_up_count < ?", total).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
