package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"outreach-engine/pkg/config"
	"outreach-engine/pkg/db/option"
	"outreach-engine/pkg/errutil"
	"outreach-engine/pkg/logger"
	"outreach-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service owns the balance record and its journal. Every read-modify-write
// runs under mu and inside a transaction that row-locks the balance record.
//
// Callers composing a wider transaction (engagement write plus credit) must
// take the lock with WithLock before opening the transaction and then use
// ApplyTx inside it. Opening the transaction first can deadlock on a
// single-connection pool.
type Service struct {
	mu sync.Mutex

	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time
	loc  *time.Location

	balance repository.Repository[Ledger]
	entries repository.Repository[Entry]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	loc := time.UTC
	if p.Config != nil {
		loc = p.Config.Location()
	}

	return &Service{
		db:   p.DB,
		node: p.Node,
		now:  time.Now,
		loc:  loc,

		balance: repository.ProvideStore[Ledger](p.DB),
		entries: repository.ProvideStore[Entry](p.DB),
	}
}

// WithClock overrides the time source used for the daily reset and entry timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithLock runs fn while holding the ledger mutex.
func (s *Service) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Service) today() string {
	return s.now().In(s.loc).Format(dateLayout)
}

// load returns the balance record locked for update, creating it on first use.
func (s *Service) load(ctx context.Context, tx *gorm.DB) (*Ledger, error) {
	seed := &Ledger{ID: mainLedgerID, LastResetDate: s.today()}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, err
	}

	l, err := s.balance.WithTrx(tx).FindOne(ctx, &Ledger{ID: mainLedgerID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("ledger: balance record missing after seed")
	}
	return l, nil
}

func (s *Service) save(ctx context.Context, tx *gorm.DB, l *Ledger) error {
	l.UpdatedAt = s.now()
	return s.balance.WithTrx(tx).Update(ctx, l.ID, map[string]any{
		"today":           l.Today,
		"total":           l.Total,
		"wallet":          l.Wallet,
		"last_reset_date": l.LastResetDate,
		"updated_at":      l.UpdatedAt,
	})
}

// Snapshot returns the current accumulators, applying the daily reset first.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.WithLock(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			snap, err = s.SnapshotTx(ctx, tx)
			return err
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// SnapshotTx is Snapshot inside tx. The caller must hold WithLock.
func (s *Service) SnapshotTx(ctx context.Context, tx *gorm.DB) (Snapshot, error) {
	l, err := s.load(ctx, tx)
	if err != nil {
		logger.FromContext(ctx).Error("failed to read ledger", zap.Error(err))
		return Snapshot{}, errutil.StoreFailed("failed to read ledger", err)
	}
	if l.resetIfNewDay(s.today()) {
		if err := s.save(ctx, tx, l); err != nil {
			logger.FromContext(ctx).Error("failed to persist daily reset", zap.Error(err))
			return Snapshot{}, errutil.StoreFailed("failed to persist daily reset", err)
		}
	}
	return l.Snapshot(), nil
}

// Credit adds the movement amount to today, total and wallet.
func (s *Service) Credit(ctx context.Context, mv Movement) (Snapshot, error) {
	return s.apply(ctx, DirectionCredit, mv)
}

// Debit draws the movement amount from the wallet. It fails with
// InsufficientFunds, leaving the ledger unchanged, when the wallet is short.
func (s *Service) Debit(ctx context.Context, mv Movement) (Snapshot, error) {
	return s.apply(ctx, DirectionDebit, mv)
}

func (s *Service) apply(ctx context.Context, dir Direction, mv Movement) (Snapshot, error) {
	var snap Snapshot
	err := s.WithLock(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			snap, err = s.ApplyTx(ctx, tx, dir, mv)
			return err
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ApplyTx applies one movement inside tx and appends its journal entry. The
// caller must hold WithLock.
func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, dir Direction, mv Movement) (Snapshot, error) {
	log := logger.FromContext(ctx)

	if mv.Amount <= 0 {
		return Snapshot{}, errutil.ValidationFailed("amount must be greater than zero", nil)
	}

	l, err := s.load(ctx, tx)
	if err != nil {
		log.Error("failed to load ledger", zap.Error(err))
		return Snapshot{}, errutil.StoreFailed("failed to load ledger", err)
	}
	l.resetIfNewDay(s.today())

	switch dir {
	case DirectionCredit:
		l.Today += mv.Amount
		l.Total += mv.Amount
		l.Wallet += mv.Amount
	case DirectionDebit:
		if mv.Amount > l.Wallet {
			log.Warn("insufficient wallet balance",
				zap.Int64("requested", mv.Amount), zap.Int64("available", l.Wallet))
			return Snapshot{}, errutil.InsufficientFunds("insufficient wallet balance", l.Wallet)
		}
		l.Wallet -= mv.Amount
	default:
		return Snapshot{}, errutil.BadRequest("unsupported entry direction", nil)
	}

	if err := s.save(ctx, tx, l); err != nil {
		log.Error("failed to update ledger", zap.Error(err))
		return Snapshot{}, errutil.StoreFailed("failed to update ledger", err)
	}

	if err := s.appendEntry(ctx, tx, dir, mv, l.Wallet); err != nil {
		log.Error("failed to append ledger entry", zap.Error(err))
		return Snapshot{}, errutil.StoreFailed("failed to append ledger entry", err)
	}

	return l.Snapshot(), nil
}

func (s *Service) lastEntry(ctx context.Context, tx *gorm.DB) (*Entry, error) {
	var last Entry
	err := tx.WithContext(ctx).Order("created_at DESC").Order("id DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, dir Direction, mv Movement, balanceAfter int64) error {
	previousHash := genesisHash
	last, err := s.lastEntry(ctx, tx)
	if err != nil {
		return err
	}
	if last != nil {
		previousHash = last.Hash
	}

	var meta datatypes.JSON
	if len(mv.Metadata) > 0 {
		b, err := json.Marshal(mv.Metadata)
		if err != nil {
			return err
		}
		meta = datatypes.JSON(b)
	}

	// microsecond precision survives every supported dialect, so the hash
	// recomputes identically after a round trip
	createdAt := s.now().UTC().Truncate(time.Microsecond)
	if last != nil && !createdAt.After(last.CreatedAt) {
		createdAt = last.CreatedAt.UTC().Add(time.Microsecond)
	}

	entry := &Entry{
		ID:           s.node.Generate().String(),
		Kind:         mv.Kind,
		Direction:    dir,
		Amount:       mv.Amount,
		ReferenceID:  mv.ReferenceID,
		Description:  mv.Description,
		Metadata:     meta,
		BalanceAfter: balanceAfter,
		PreviousHash: previousHash,
		CreatedAt:    createdAt,
	}
	entry.Hash = entry.GenerateHash()

	return s.entries.WithTrx(tx).Create(ctx, entry)
}

// ListEntries returns the newest journal entries first.
func (s *Service) ListEntries(ctx context.Context, kind Kind, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	out, err := s.entries.Find(ctx, &Entry{Kind: kind},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.ApplyPagination(limit, 0),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list ledger entries", zap.Error(err))
		return nil, errutil.StoreFailed("failed to list ledger entries", err)
	}
	return out, nil
}

// VerifyChain walks the journal oldest first and reports the first entry
// whose hash or back-link does not match.
func (s *Service) VerifyChain(ctx context.Context) (bool, string, error) {
	var entries []*Entry
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&entries).Error; err != nil {
		return false, "", errutil.StoreFailed("failed to read ledger entries", err)
	}

	previous := genesisHash
	for _, e := range entries {
		if e.PreviousHash != previous || e.GenerateHash() != e.Hash {
			logger.FromContext(ctx).Warn("ledger chain broken", zap.String("entry_id", e.ID))
			return false, e.ID, nil
		}
		previous = e.Hash
	}
	return true, "", nil
}
