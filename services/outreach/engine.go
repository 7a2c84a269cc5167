// Package outreach runs the engagement state machine: it sends opening
// messages, advances due follow-ups and records manual closes, crediting the
// ledger along the way.
package outreach

import (
	"context"
	"errors"
	"strings"
	"time"

	"outreach-engine/pkg/config"
	"outreach-engine/pkg/db/option"
	"outreach-engine/pkg/db/pagination"
	"outreach-engine/pkg/errutil"
	"outreach-engine/pkg/logger"
	"outreach-engine/services/delivery"
	"outreach-engine/services/engagement"
	"outreach-engine/services/generator"
	"outreach-engine/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Result string

const (
	ResultFollowUpSent Result = "followup_sent"
	ResultError        Result = "error"
	ResultSkipped      Result = "skipped"
)

type InitiateInput struct {
	ContactAddress string             `json:"contact_address"`
	Subject        engagement.Subject `json:"subject"`
	InitialMessage string             `json:"initial_message"`
	// Prompt is used to generate the opening message when InitialMessage is
	// empty. Without it a prompt is built from Subject.
	Prompt string `json:"prompt"`
	// Price overrides the configured price per contact when positive.
	Price int64 `json:"price"`
}

type InitiateResult struct {
	Engagement *engagement.Engagement `json:"engagement"`
	Receipt    delivery.Receipt       `json:"receipt"`
	Ledger     ledger.Snapshot        `json:"ledger"`
}

type Outcome struct {
	EngagementID   string `json:"engagement_id"`
	ContactAddress string `json:"contact_address"`
	Result         Result `json:"result"`
	FollowUpCount  int    `json:"follow_up_count"`
	Error          string `json:"error,omitempty"`
}

type CloseResult struct {
	Closed []*engagement.Engagement `json:"closed"`
	Ledger ledger.Snapshot          `json:"ledger"`
}

type Engine struct {
	db        *gorm.DB
	store     engagement.Store
	ledger    *ledger.Service
	generator generator.Generator
	transport delivery.Transport
	metrics   *metrics
	now       func() time.Time

	intervals       []time.Duration
	pricePerContact int64
	generateTimeout time.Duration
	deliveryTimeout time.Duration
	concurrency     int
	offer           string
	sender          string
}

type Params struct {
	fx.In
	DB         *gorm.DB
	Config     *config.Config
	Store      engagement.Store
	Ledger     *ledger.Service
	Generator  generator.Generator
	Transport  delivery.Transport
	Registerer prometheus.Registerer `optional:"true"`
}

func NewEngine(p Params) (*Engine, error) {
	o := p.Config.Outreach
	if len(o.FollowUpIntervals) == 0 {
		return nil, errors.New("outreach: at least one follow-up interval is required")
	}

	e := &Engine{
		db:        p.DB,
		store:     p.Store,
		ledger:    p.Ledger,
		generator: p.Generator,
		transport: p.Transport,
		metrics:   newMetrics(p.Registerer),
		now:       time.Now,

		intervals:       append([]time.Duration(nil), o.FollowUpIntervals...),
		pricePerContact: o.PricePerContact,
		generateTimeout: orDefault(o.GenerateTimeout, 20*time.Second),
		deliveryTimeout: orDefault(o.DeliveryTimeout, 15*time.Second),
		concurrency:     max(o.Concurrency, 1),
		offer:           o.ServiceOffer,
		sender:          o.SenderName,
	}
	if e.sender == "" {
		e.sender = "Owner"
	}
	return e, nil
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// storeErr keeps typed errors and wraps anything else as StoreFailed.
func storeErr(msg string, err error) error {
	if errutil.StatusOf(err) != errutil.StatusUnknown {
		return err
	}
	return errutil.StoreFailed(msg, err)
}

func (e *Engine) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.generateTimeout)
	defer cancel()

	text, err := e.generator.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (e *Engine) deliver(ctx context.Context, address, message string) (delivery.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	defer cancel()

	return e.transport.Send(ctx, address, message)
}

// Initiate sends the opening message and, only if delivery succeeds, records
// the engagement and credits the ledger in one transaction.
func (e *Engine) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	log := logger.FromContext(ctx)

	address := strings.TrimSpace(in.ContactAddress)
	if address == "" {
		return nil, errutil.ValidationFailed("contact address is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "contact_address", Message: "required"}))
	}

	message := strings.TrimSpace(in.InitialMessage)
	if message == "" {
		prompt := strings.TrimSpace(in.Prompt)
		if prompt == "" && !in.Subject.IsZero() {
			prompt = InitialPrompt(in.Subject, e.offer, e.sender)
		}
		if prompt != "" {
			text, err := e.generate(ctx, prompt)
			if err != nil {
				e.metrics.initiated.WithLabelValues("generation_error").Inc()
				log.Warn("failed to generate opening message", zap.String("address", address), zap.Error(err))
				if !errutil.Is(err, errutil.StatusGenerationFailed) {
					err = errutil.GenerationFailed("failed to generate opening message", err)
				}
				return nil, err
			}
			message = text
		}
	}
	if message == "" {
		return nil, errutil.ValidationFailed("initial message is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "initial_message", Message: "required"}))
	}

	price := e.pricePerContact
	if in.Price > 0 {
		price = in.Price
	}

	receipt, err := e.deliver(ctx, address, message)
	if err != nil {
		e.metrics.initiated.WithLabelValues("delivery_error").Inc()
		log.Warn("failed to deliver opening message", zap.String("address", address), zap.Error(err))
		if !errutil.Is(err, errutil.StatusDeliveryFailed) && !errutil.Is(err, errutil.StatusValidationFailed) {
			err = errutil.DeliveryFailed("failed to deliver opening message", err)
		}
		return nil, err
	}

	now := e.now().UTC()
	rec := &engagement.Engagement{
		ContactAddress:  address,
		Channel:         engagement.ChannelFor(address),
		Subject:         in.Subject.JSON(),
		InitialMessage:  message,
		PricePerContact: price,
		CreatedAt:       now,
	}
	rec.Schedule(now, e.intervals)

	var snap ledger.Snapshot
	err = e.store.WithLock(func() error {
		return e.ledger.WithLock(func() error {
			return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := e.store.WithTrx(tx).Put(ctx, rec); err != nil {
					return err
				}

				var err error
				if price > 0 {
					snap, err = e.ledger.ApplyTx(ctx, tx, ledger.DirectionCredit, ledger.Movement{
						Kind:        ledger.KindContactSent,
						Amount:      price,
						ReferenceID: rec.ID,
						Description: "contact initiated",
						Metadata: map[string]any{
							"contact_address": address,
							"receipt_id":      receipt.ID,
						},
					})
				} else {
					snap, err = e.ledger.SnapshotTx(ctx, tx)
				}
				return err
			})
		})
	})
	if err != nil {
		e.metrics.initiated.WithLabelValues("store_error").Inc()
		// the message already went out; keep the receipt in the log for reconciliation
		log.Error("failed to record initiated engagement",
			zap.String("address", address), zap.String("receipt_id", receipt.ID), zap.Error(err))
		return nil, storeErr("failed to record engagement", err)
	}

	e.metrics.initiated.WithLabelValues("sent").Inc()
	log.Info("engagement initiated",
		zap.String("engagement_id", rec.ID),
		zap.String("channel", string(rec.Channel)),
		zap.Int64("credited", price))

	return &InitiateResult{Engagement: rec, Receipt: receipt, Ledger: snap}, nil
}

// Advance sends the next follow-up to every due record. One record's failure
// never stops the batch; a record that fails delivery stays due.
func (e *Engine) Advance(ctx context.Context, now time.Time) ([]Outcome, error) {
	start := time.Now()
	now = now.UTC()
	log := logger.FromContext(ctx)

	var due []*engagement.Engagement
	err := e.store.WithLock(func() error {
		var err error
		due, err = e.store.ListDue(ctx, now, len(e.intervals))
		return err
	})
	if err != nil {
		log.Error("failed to list due engagements", zap.Error(err))
		return nil, storeErr("failed to list due engagements", err)
	}

	outcomes := make([]Outcome, len(due))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, rec := range due {
		g.Go(func() error {
			outcomes[i] = e.advanceOne(ctx, now, rec)
			return nil
		})
	}
	_ = g.Wait()

	counts := map[Result]int{}
	for _, o := range outcomes {
		counts[o.Result]++
		e.metrics.followUps.WithLabelValues(string(o.Result)).Inc()
	}
	e.metrics.advanceDuration.Observe(time.Since(start).Seconds())

	if len(due) > 0 {
		log.Info("advance tick finished",
			zap.Int("due", len(due)),
			zap.Int("sent", counts[ResultFollowUpSent]),
			zap.Int("errors", counts[ResultError]),
			zap.Int("skipped", counts[ResultSkipped]),
			zap.Duration("took", time.Since(start)))
	}

	return outcomes, nil
}

func (e *Engine) followUpText(ctx context.Context, rec *engagement.Engagement, index int) string {
	subject := rec.SubjectInfo()
	total := len(e.intervals)

	text, err := e.generate(ctx, FollowUpPrompt(subject, e.offer, e.sender, index, total))
	if err != nil || text == "" {
		e.metrics.fallbacks.Inc()
		logger.FromContext(ctx).Debug("using fallback follow-up copy",
			zap.String("engagement_id", rec.ID), zap.Int("index", index), zap.Error(err))
		return Fallback(subject, e.sender, index, total)
	}
	return text
}

func (e *Engine) advanceOne(ctx context.Context, now time.Time, rec *engagement.Engagement) Outcome {
	log := logger.FromContext(ctx).With(zap.String("engagement_id", rec.ID))
	index := rec.FollowUpCount
	out := Outcome{
		EngagementID:   rec.ID,
		ContactAddress: rec.ContactAddress,
		FollowUpCount:  index,
	}

	message := e.followUpText(ctx, rec, index)
	receipt, sendErr := e.deliver(ctx, rec.ContactAddress, message)

	err := e.store.WithLock(func() error {
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			store := e.store.WithTrx(tx)

			// row lock covers other processes sharing the database
			cur, err := store.Get(ctx, rec.ID, option.WithLockingUpdate())
			if err != nil {
				return err
			}
			// closed or advanced by someone else while we were sending
			if cur.Done() || cur.FollowUpCount != index {
				out.Result = ResultSkipped
				out.FollowUpCount = cur.FollowUpCount
				return nil
			}

			if sendErr != nil {
				cur.RecordFailed(now, message, sendErr)
				out.Result = ResultError
				out.Error = sendErr.Error()
			} else {
				cur.RecordDelivered(now, message, receipt.ID, e.intervals)
				out.Result = ResultFollowUpSent
			}
			out.FollowUpCount = cur.FollowUpCount

			return store.Put(ctx, cur)
		})
	})
	if err != nil {
		log.Error("failed to commit follow-up outcome", zap.Error(err))
		return Outcome{
			EngagementID:   rec.ID,
			ContactAddress: rec.ContactAddress,
			Result:         ResultError,
			FollowUpCount:  index,
			Error:          err.Error(),
		}
	}

	switch out.Result {
	case ResultError:
		log.Warn("follow-up delivery failed", zap.Int("index", index), zap.Error(sendErr))
	case ResultSkipped:
		log.Info("follow-up skipped, record changed concurrently", zap.Int("index", index))
	}
	return out
}

// Close finishes every open engagement for the address and credits amount
// once, with a CONTACT_CLOSED journal entry as the close annotation.
func (e *Engine) Close(ctx context.Context, address string, amount int64) (*CloseResult, error) {
	log := logger.FromContext(ctx)

	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errutil.ValidationFailed("contact address is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "contact_address", Message: "required"}))
	}
	if amount <= 0 {
		return nil, errutil.ValidationFailed("amount must be greater than zero", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be greater than zero"}))
	}

	now := e.now().UTC()
	var (
		closed []*engagement.Engagement
		snap   ledger.Snapshot
	)

	err := e.store.WithLock(func() error {
		return e.ledger.WithLock(func() error {
			return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				store := e.store.WithTrx(tx)

				recs, err := store.FindByAddress(ctx, address)
				if err != nil {
					return err
				}

				closed = closed[:0]
				ids := make([]string, 0, len(recs))
				for _, r := range recs {
					if r.Done() {
						continue
					}
					r.Close(now, amount)
					if err := store.Put(ctx, r); err != nil {
						return err
					}
					closed = append(closed, r)
					ids = append(ids, r.ID)
				}
				if len(closed) == 0 {
					return errutil.NotFound("no open engagement for contact", nil,
						errutil.WithMeta("contact_address", address))
				}

				snap, err = e.ledger.ApplyTx(ctx, tx, ledger.DirectionCredit, ledger.Movement{
					Kind:        ledger.KindContactClosed,
					Amount:      amount,
					ReferenceID: address,
					Description: "manual close",
					Metadata: map[string]any{
						"amount":         amount,
						"subject":        closed[0].SubjectInfo(),
						"createdAt":      now,
						"engagement_ids": ids,
					},
				})
				return err
			})
		})
	})
	if err != nil {
		if !errutil.Is(err, errutil.StatusNotFound) {
			log.Error("failed to close engagements", zap.String("address", address), zap.Error(err))
		}
		return nil, storeErr("failed to close engagements", err)
	}

	e.metrics.closed.Inc()
	log.Info("engagements closed",
		zap.String("address", address), zap.Int("count", len(closed)), zap.Int64("amount", amount))

	return &CloseResult{Closed: closed, Ledger: snap}, nil
}

func (e *Engine) ListEngagements(ctx context.Context, filter engagement.Filter) ([]*engagement.Engagement, *pagination.PageInfo, error) {
	out, info, err := e.store.List(ctx, filter)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list engagements", zap.Error(err))
		return nil, nil, storeErr("failed to list engagements", err)
	}
	return out, info, nil
}

func (e *Engine) LedgerSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	return e.ledger.Snapshot(ctx)
}
