// Package poller runs the two control loops: the purchase loop that
// buys queued invoices and the rebalance loop that drives in-flight
// transfers through their lifecycle and tops up drained chains. Each
// tick is a single logical task; all durable state lives in the store
// and the purchase cache, and the loops re-read it at every decision
// point.
package poller

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/hub"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/planner"
	"github.com/everclear-net/mark/stats"
	"github.com/everclear-net/mark/store"
	"github.com/everclear-net/mark/types"
	"github.com/everclear-net/mark/wallet"
)

// Service wires the loops to their collaborators.
type Service struct {
	cfg     *config.Config
	store   store.Store
	cache   *store.PurchaseCache
	oracle  *oracle.Oracle
	planner *planner.Planner
	bridges *bridge.Registry
	clients *chainclient.Service
	wallets *wallet.Service
	hub     *hub.Client
	stats   stats.Recorder
	log     log.Logger

	now func() time.Time
}

// New assembles the poller service.
func New(cfg *config.Config, st store.Store, cache *store.PurchaseCache, orc *oracle.Oracle,
	pl *planner.Planner, bridges *bridge.Registry, clients *chainclient.Service,
	wallets *wallet.Service, hubClient *hub.Client, recorder stats.Recorder, logger log.Logger) *Service {
	if recorder == nil {
		recorder = stats.Nop{}
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		cache:   cache,
		oracle:  orc,
		planner: pl,
		bridges: bridges,
		clients: clients,
		wallets: wallets,
		hub:     hubClient,
		stats:   recorder,
		log:     logger,
		now:     time.Now,
	}
}

// Run drives both loops until ctx is cancelled. Each loop runs an
// immediate first tick and then follows its configured cadence; a tick
// overrunning its interval delays the next one rather than overlapping
// it.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.loop(ctx, "purchase", s.cfg.PurchaseInterval(), s.PurchaseTick)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "rebalance", s.cfg.RebalanceInterval(), s.RebalanceTick)
	}()

	wg.Wait()
	return ctx.Err()
}

func (s *Service) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	logger := s.log.New("loop", name)
	for {
		start := s.now()
		tctx, cancel := context.WithTimeout(ctx, interval)
		err := tick(tctx)
		cancel()
		elapsed := s.now().Sub(start)
		s.stats.RecordTickDuration(name, elapsed)
		if err != nil && ctx.Err() == nil {
			logger.Error("Tick failed", "elapsed", elapsed, "err", err)
		} else {
			logger.Debug("Tick done", "elapsed", elapsed)
		}

		select {
		case <-ctx.Done():
			logger.Info("Loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// requestID tags one tick's log lines and error context.
func requestID() string { return uuid.NewString() }

// walletFor resolves the spending wallet and the client for a chain.
func (s *Service) walletFor(chain uint64) (wallet.Wallet, *chainclient.Client, error) {
	w, err := s.wallets.ForChain(chain)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.clients.Client(chain)
	if err != nil {
		return nil, nil, err
	}
	return w, client, nil
}

// approvalIfNeeded returns an allowance transaction when the spender's
// current allowance cannot cover amount, or nil.
func (s *Service) approvalIfNeeded(ctx context.Context, chain uint64, token, owner, spender common.Address, amount *big.Int) (*chainclient.Call, error) {
	client, err := s.clients.Client(chain)
	if err != nil {
		return nil, err
	}
	allowance, err := client.Allowance(ctx, token, owner, spender)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil, nil
	}
	data, err := chainclient.PackApprove(spender, amount)
	if err != nil {
		return nil, err
	}
	to := token
	return &chainclient.Call{To: &to, Value: new(big.Int), Data: data}, nil
}

// settledTotal sums the canonical contributions of an earmark's
// completed operations.
func settledTotal(ops []*types.RebalanceOperation) *big.Int {
	total := new(big.Int)
	for _, op := range ops {
		total.Add(total, op.Settled())
	}
	return total
}

// refreshEarmarkReadiness promotes a pending earmark to ready once its
// operations have produced the minimum amount.
func (s *Service) refreshEarmarkReadiness(ctx context.Context, earmarkID uuid.UUID) error {
	em, err := s.store.GetEarmark(ctx, earmarkID)
	if err != nil {
		return err
	}
	if em.Status != types.EarmarkPending {
		return nil
	}
	ops, err := s.store.GetRebalanceOperationsByEarmark(ctx, earmarkID)
	if err != nil {
		return err
	}
	produced := settledTotal(ops)
	if produced.Cmp(em.MinAmount) < 0 {
		return nil
	}
	if err := s.store.UpdateEarmarkStatus(ctx, earmarkID, types.EarmarkReady,
		fmt.Sprintf("produced %s of %s", produced, em.MinAmount)); err != nil {
		return err
	}
	s.stats.RecordEarmarkStatus(string(types.EarmarkReady))
	s.log.Info("Earmark ready", "earmark", earmarkID, "invoice", em.InvoiceID, "produced", produced)
	return nil
}
