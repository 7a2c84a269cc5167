package withdrawal

import (
	"context"
	"strings"
	"time"

	"outreach-engine/pkg/db/option"
	"outreach-engine/pkg/errutil"
	"outreach-engine/pkg/logger"
	"outreach-engine/pkg/repository"
	"outreach-engine/pkg/sequence"
	"outreach-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Input struct {
	PayoutAddress string `json:"payout_address"`
	Amount        int64  `json:"amount"`
	PayeeName     string `json:"payee_name"`
}

type Result struct {
	Request *Request        `json:"request"`
	Ledger  ledger.Snapshot `json:"ledger"`
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	codes    sequence.Generator
	now      func() time.Time
	requests repository.Repository[Request]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
	Codes  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		codes:    p.Codes,
		now:      time.Now,
		requests: repository.ProvideStore[Request](p.DB),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Withdraw debits the wallet and records a payout request in one
// transaction. Nothing is written when the wallet is short.
func (s *Service) Withdraw(ctx context.Context, in Input) (*Result, error) {
	log := logger.FromContext(ctx)

	address := strings.TrimSpace(in.PayoutAddress)
	if address == "" {
		return nil, errutil.ValidationFailed("payout address is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "payout_address", Message: "required"}))
	}
	if in.Amount <= 0 {
		return nil, errutil.ValidationFailed("amount must be greater than zero", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be greater than zero"}))
	}

	payee := strings.TrimSpace(in.PayeeName)
	if payee == "" {
		payee = defaultPayee
	}

	// Reject short wallets before a code is taken so rejected requests do
	// not leave holes in the daily sequence. The debit below re-checks under
	// the ledger lock.
	current, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if in.Amount > current.Wallet {
		return nil, errutil.InsufficientFunds("insufficient wallet balance", current.Wallet)
	}

	id := s.node.Generate()
	req := &Request{
		ID:            id.String(),
		Code:          s.nextCode(ctx, id),
		PayoutAddress: address,
		PayeeName:     payee,
		Amount:        in.Amount,
		Status:        StatusRequested,
		CreatedAt:     s.now().UTC(),
	}

	var snap ledger.Snapshot
	err = s.ledger.WithLock(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			snap, err = s.ledger.ApplyTx(ctx, tx, ledger.DirectionDebit, ledger.Movement{
				Kind:        ledger.KindWithdrawal,
				Amount:      in.Amount,
				ReferenceID: req.ID,
				Description: "withdrawal requested",
				Metadata: map[string]any{
					"code":           req.Code,
					"payout_address": address,
					"payee_name":     payee,
				},
			})
			if err != nil {
				return err
			}
			return s.requests.WithTrx(tx).Create(ctx, req)
		})
	})
	if err != nil {
		if errutil.StatusOf(err) == errutil.StatusUnknown {
			log.Error("failed to record withdrawal", zap.Error(err))
			err = errutil.StoreFailed("failed to record withdrawal", err)
		}
		return nil, err
	}

	log.Info("withdrawal requested",
		zap.String("withdrawal_id", req.ID),
		zap.String("code", req.Code),
		zap.Int64("amount", req.Amount))

	return &Result{Request: req, Ledger: snap}, nil
}

// nextCode prefers the daily Redis sequence and falls back to the request id.
func (s *Service) nextCode(ctx context.Context, id snowflake.ID) string {
	if s.codes != nil {
		code, err := s.codes.NextWithdrawalCode(ctx)
		if err == nil {
			return code
		}
		logger.FromContext(ctx).Warn("withdrawal code sequence unavailable, using id", zap.Error(err))
	}
	return "WD-" + id.Base36()
}

// List returns requests newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	out, err := s.requests.Find(ctx, &Request{},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.ApplyPagination(limit, 0),
	)
	if err != nil {
		return nil, errutil.StoreFailed("failed to list withdrawals", err)
	}
	return out, nil
}
