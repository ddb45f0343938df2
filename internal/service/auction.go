package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/treasuryd/internal/domain"
)

// AuctionConfig configures an AuctionService.
type AuctionConfig struct {
	TreasuryAddress string
	EscalationBps   int64
	// PreviousOwnerBps is the previous owner's share of a seizure payment;
	// the treasury receives the rest.
	PreviousOwnerBps int64
	LockTTL          time.Duration
	LockWait         time.Duration
}

// AuctionView is an auction together with the price the next bidder pays.
type AuctionView struct {
	domain.AuctionAsset
	MinRequiredPrice int64
}

// AuctionService runs the price-escalating ownership auction. The ledger
// program holds the authoritative price and re-checks it inside the seize
// instruction; the store keeps an off-chain mirror for reads.
type AuctionService struct {
	ledger   domain.LedgerClient
	store    domain.AuctionStore
	identity domain.SigningIdentity
	gate     *SignerGate
	locks    domain.LockManager
	local    *keyedMutex
	rec      recorder
	cfg      AuctionConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewAuctionService creates an AuctionService. Ledger instructions are signed
// through gate, the same one the Distributor uses. locks may be nil.
func NewAuctionService(
	ledger domain.LedgerClient,
	store domain.AuctionStore,
	gate *SignerGate,
	locks domain.LockManager,
	audit domain.AuditStore,
	bus domain.SignalBus,
	cfg AuctionConfig,
	logger *slog.Logger,
) *AuctionService {
	if cfg.EscalationBps <= 0 {
		cfg.EscalationBps = 11_000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	logger = logger.With(slog.String("component", "auction"))
	return &AuctionService{
		ledger:   ledger,
		store:    store,
		identity: gate.Identity(),
		gate:     gate,
		locks:    locks,
		local:    newKeyedMutex(),
		rec:      recorder{audit: audit, bus: bus, logger: logger},
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// Create registers a new auction owned by owner at startPrice.
func (s *AuctionService) Create(ctx context.Context, assetID, owner string, startPrice int64, taunt string) (AuctionView, error) {
	if assetID == "" {
		return AuctionView{}, fmt.Errorf("auction: create: %w: empty asset id", domain.ErrInvalidAmount)
	}
	if err := requireAddress("auction: create", owner); err != nil {
		return AuctionView{}, err
	}
	if startPrice <= 0 {
		return AuctionView{}, fmt.Errorf("auction: create %s: %w: start price %d", assetID, domain.ErrInvalidAmount, startPrice)
	}
	if err := domain.ValidateTaunt(taunt); err != nil {
		return AuctionView{}, fmt.Errorf("auction: create %s: %w", assetID, err)
	}
	if s.cfg.TreasuryAddress == "" {
		return AuctionView{}, fmt.Errorf("auction: create: %w: treasury address not set", domain.ErrConfiguration)
	}

	now := s.now().UTC()
	state := domain.AuctionState{
		AssetID:      assetID,
		Owner:        owner,
		Price:        startPrice,
		StartPrice:   startPrice,
		TauntMessage: taunt,
		Treasury:     s.cfg.TreasuryAddress,
		CreatedAt:    now,
	}
	unlock, err := s.gate.Acquire(ctx)
	if err != nil {
		return AuctionView{}, fmt.Errorf("auction: create %s: %w", assetID, err)
	}
	ref, err := s.ledger.CreateAuction(ctx, state, s.identity)
	unlock()
	if err != nil {
		return AuctionView{}, fmt.Errorf("auction: create %s on ledger: %w", assetID, err)
	}
	asset := domain.AuctionFromState(state)
	if err := s.store.Create(ctx, asset); err != nil {
		return AuctionView{}, fmt.Errorf("auction: mirror %s: %w", assetID, err)
	}

	s.rec.record(ctx, domain.AuditAuctionCreated, map[string]any{
		"asset_id":  assetID,
		"owner":     owner,
		"price":     startPrice,
		"reference": ref,
	})
	s.logger.InfoContext(ctx, "auction created",
		slog.String("asset_id", assetID),
		slog.String("owner", owner),
		slog.Int64("price", startPrice),
	)
	return s.view(asset)
}

// Get returns the mirrored auction and its minimum next price.
func (s *AuctionService) Get(ctx context.Context, assetID string) (AuctionView, error) {
	a, err := s.store.Get(ctx, assetID)
	if err != nil {
		return AuctionView{}, fmt.Errorf("auction: get %s: %w", assetID, err)
	}
	return s.view(a)
}

func (s *AuctionService) view(a domain.AuctionAsset) (AuctionView, error) {
	minReq, err := a.MinRequiredPrice(s.cfg.EscalationBps)
	if err != nil {
		return AuctionView{}, fmt.Errorf("auction: min price %s: %w", a.AssetID, err)
	}
	return AuctionView{AuctionAsset: a, MinRequiredPrice: minReq}, nil
}

// Seize transfers ownership of assetID to bidder at the escalated price.
// The taunt is validated before anything touches the ledger. The ledger
// instruction debits the bidder, splits the payment between the previous
// owner and the treasury, and fails with domain.ErrStalePrice if the price
// moved since it was read; the mirror is then resynced from the ledger.
func (s *AuctionService) Seize(ctx context.Context, assetID, bidder, taunt string) (domain.SeizeResult, error) {
	if err := domain.ValidateTaunt(taunt); err != nil {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}
	if err := requireAddress("auction: seize", bidder); err != nil {
		return domain.SeizeResult{}, err
	}

	release := s.local.Lock(assetID)
	defer release()
	unlock, err := acquire(ctx, s.locks, "seize:"+assetID, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}
	defer unlock()

	cur, err := s.store.Get(ctx, assetID)
	if err != nil {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}
	if sameAddress(cur.CurrentOwner, bidder) {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w: bidder already owns it", assetID, domain.ErrInvalidAddress)
	}
	payment, err := cur.MinRequiredPrice(s.cfg.EscalationBps)
	if err != nil {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}
	treasury := cur.TreasuryAddress
	if treasury == "" {
		treasury = s.cfg.TreasuryAddress
	}

	order := domain.SeizeOrder{
		AssetID:       assetID,
		Bidder:        bidder,
		PreviousOwner: cur.CurrentOwner,
		Treasury:      treasury,
		ExpectedPrice: cur.CurrentPrice,
		Payment:       payment,
		TreasuryBps:   domain.BpsDenominator - s.cfg.PreviousOwnerBps,
		TauntMessage:  taunt,
	}
	releaseSigner, err := s.gate.Acquire(ctx)
	if err != nil {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}
	receipt, err := s.ledger.ExecuteSeize(ctx, order, s.identity)
	releaseSigner()
	if errors.Is(err, domain.ErrStalePrice) {
		s.resync(ctx, assetID)
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}
	if err != nil {
		return domain.SeizeResult{}, fmt.Errorf("auction: seize %s: %w", assetID, err)
	}

	next := cur
	next.CurrentOwner = bidder
	next.CurrentPrice = receipt.NewPrice
	next.TauntMessage = taunt
	next.LastSeizedAt = receipt.SeizedAt
	if err := s.store.ApplySeize(ctx, cur.CurrentPrice, next); err != nil {
		s.logger.WarnContext(ctx, "mirror update failed, resyncing",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()),
		)
		s.resync(ctx, assetID)
	}

	res := domain.SeizeResult{
		AssetID:       assetID,
		NewOwner:      bidder,
		PreviousOwner: receipt.PreviousOwner,
		NewPrice:      receipt.NewPrice,
		TreasuryShare: receipt.TreasuryShare,
		OwnerShare:    receipt.OwnerShare,
		Reference:     receipt.Reference,
		SeizedAt:      receipt.SeizedAt,
	}
	s.rec.record(ctx, domain.AuditAuctionSeized, map[string]any{
		"asset_id":       assetID,
		"bidder":         bidder,
		"previous_owner": res.PreviousOwner,
		"price":          res.NewPrice,
		"treasury_share": res.TreasuryShare,
		"owner_share":    res.OwnerShare,
		"reference":      res.Reference,
	})
	s.rec.publish(ctx, "auctions", res)
	s.logger.InfoContext(ctx, "auction seized",
		slog.String("asset_id", assetID),
		slog.String("bidder", bidder),
		slog.Int64("price", res.NewPrice),
		slog.String("reference", res.Reference),
	)
	return res, nil
}

// resync overwrites the mirror with the ledger program's record.
func (s *AuctionService) resync(ctx context.Context, assetID string) {
	state, err := s.ledger.FetchAuction(ctx, assetID)
	if err != nil {
		s.logger.WarnContext(ctx, "auction resync fetch failed",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.store.Replace(ctx, domain.AuctionFromState(state)); err != nil {
		s.logger.WarnContext(ctx, "auction resync write failed",
			slog.String("asset_id", assetID),
			slog.String("error", err.Error()),
		)
	}
}
