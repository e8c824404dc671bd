package services

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/statemachine"
	"github.com/payrail/payrail-api/internal/types"
)

// WatcherStore is the event log surface the watcher uses.
type WatcherStore interface {
	Append(ctx context.Context, event *types.TransactionEvent) (string, error)
	List(ctx context.Context, transactionID string) ([]types.TransactionEvent, error)
	ListByBundleStatus(ctx context.Context, status types.BundleStatus) ([]types.TransactionEvent, error)
}

// WatcherService advances in-flight legs by polling the chain: a
// pending leg with a receipt becomes Confirmed, and a confirmed leg
// old enough becomes Finalized.
type WatcherService struct {
	store             WatcherStore
	client            chain.Client
	confirmationDepth uint64
	logger            *zap.Logger
}

// NewWatcherService wires the watcher.
func NewWatcherService(store WatcherStore, client chain.Client, confirmationDepth uint64, logger *zap.Logger) *WatcherService {
	return &WatcherService{
		store:             store,
		client:            client,
		confirmationDepth: confirmationDepth,
		logger:            logger,
	}
}

// Run polls on the given interval until the context ends.
func (w *WatcherService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("watcher sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over every bundle with an in-flight leg.
func (w *WatcherService) Sweep(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read chain head")
	}

	var firstErr error
	for _, status := range []types.BundleStatus{
		types.BundlePending,
		types.BundleMainConfirmed,
		types.BundleCompleted,
	} {
		heads, err := w.store.ListByBundleStatus(ctx, status)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, ev := range heads {
			if err := w.advance(ctx, ev.TransactionID, head); err != nil {
				w.logger.Error("failed to advance transaction",
					zap.String("transaction_id", ev.TransactionID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// advance re-folds the bundle and moves whichever legs the chain has
// caught up with.
func (w *WatcherService) advance(ctx context.Context, transactionID string, head uint64) error {
	events, err := w.store.List(ctx, transactionID)
	if err != nil {
		return err
	}
	bundle, err := statemachine.Fold(events)
	if err != nil {
		return err
	}

	for _, leg := range []*types.Leg{bundle.Main, bundle.Fee} {
		switch leg.Status {
		case types.LegPending:
			if err := w.confirm(ctx, bundle, leg); err != nil {
				return err
			}
		case types.LegConfirmed:
			if err := w.finalize(ctx, bundle, leg, head); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *WatcherService) confirm(ctx context.Context, bundle *types.TransactionBundle, leg *types.Leg) error {
	if leg.ChainTxHash == "" {
		return nil
	}
	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(leg.ChainTxHash))
	if err != nil {
		// Not mined yet; the next sweep will look again.
		return nil
	}

	if receipt.Status == 0 {
		return w.appendLeg(ctx, bundle, leg, failedEvent(leg.Kind), "execution reverted on chain")
	}

	leg.BlockNumber = receipt.BlockNumber.Uint64()
	if err := w.appendLeg(ctx, bundle, leg, confirmedEvent(leg.Kind), ""); err != nil {
		return err
	}
	w.logger.Info("leg confirmed",
		zap.String("transaction_id", bundle.TransactionID),
		zap.String("leg", string(leg.Kind)),
		zap.Uint64("block", leg.BlockNumber))
	return nil
}

func (w *WatcherService) finalize(ctx context.Context, bundle *types.TransactionBundle, leg *types.Leg, head uint64) error {
	if leg.BlockNumber == 0 || head < leg.BlockNumber+w.confirmationDepth {
		return nil
	}
	if err := w.appendLeg(ctx, bundle, leg, finalizedEvent(leg.Kind), ""); err != nil {
		return err
	}
	w.logger.Info("leg finalized",
		zap.String("transaction_id", bundle.TransactionID),
		zap.String("leg", string(leg.Kind)))
	return nil
}

func (w *WatcherService) appendLeg(ctx context.Context, bundle *types.TransactionBundle, leg *types.Leg, eventType types.EventType, detail string) error {
	event := &types.TransactionEvent{
		TransactionID: bundle.TransactionID,
		UserID:        bundle.UserID,
		EventType:     eventType,
		Leg:           types.LegKindPtr(leg.Kind),
		Detail:        detail,
		Snapshot:      bundle.Clone(),
	}
	if err := statemachine.Apply(bundle, event); err != nil {
		return err
	}
	event.Snapshot = bundle.Clone()
	if _, err := w.store.Append(ctx, event); err != nil {
		return errors.Wrapf(err, "failed to record %s event", eventType)
	}
	return nil
}

func confirmedEvent(kind types.LegKind) types.EventType {
	if kind == types.LegFee {
		return types.EventFeeConfirmed
	}
	return types.EventMainConfirmed
}

func finalizedEvent(kind types.LegKind) types.EventType {
	if kind == types.LegFee {
		return types.EventFeeFinalized
	}
	return types.EventMainFinalized
}
