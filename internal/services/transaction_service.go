package services

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/alert"
	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/nonce"
	"github.com/payrail/payrail-api/internal/signature"
	"github.com/payrail/payrail-api/internal/statemachine"
	"github.com/payrail/payrail-api/internal/types"
	"github.com/payrail/payrail-api/internal/validation"
)

var (
	// ErrValidationFailed carries the pipeline's aggregated reasons.
	ErrValidationFailed = errors.New("payment request failed validation")

	// ErrNotCancellable is returned once the recipient leg may have
	// reached the network.
	ErrNotCancellable = errors.New("transaction can no longer be cancelled")

	// ErrWrongState is returned when an operation does not fit the
	// bundle's current state.
	ErrWrongState = errors.New("transaction is not in the required state")

	// ErrForbidden is returned when a user touches a bundle they do
	// not own.
	ErrForbidden = errors.New("transaction does not belong to user")
)

// EventStore is the event log surface the service uses.
type EventStore interface {
	Append(ctx context.Context, event *types.TransactionEvent) (string, error)
	Latest(ctx context.Context, transactionID string) (*types.TransactionEvent, error)
	List(ctx context.Context, transactionID string) ([]types.TransactionEvent, error)
	ListByUser(ctx context.Context, userID string, limit int32) ([]types.TransactionEvent, error)
	ListByBundleStatus(ctx context.Context, status types.BundleStatus) ([]types.TransactionEvent, error)
}

// QueueAPI is the SQS surface the service uses.
type QueueAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// BroadcastJob is the queue message handed to the broadcaster.
type BroadcastJob struct {
	TransactionID string `json:"transaction_id"`
}

// TransactionService owns the payment lifecycle: initiate a bundle,
// commit the client's signatures, cancel while still possible, and
// project status views from the event stream.
type TransactionService struct {
	pipeline  *validation.Pipeline
	store     EventStore
	nonces    *nonce.Manager
	verifier  *signature.Verifier
	client    chain.Client
	rates     *ExchangeRateService
	fees      *FeeService
	estimates *EstimateService
	queue     QueueAPI
	queueURL  string
	alerter   alert.Alerter
	logger    *zap.Logger

	chainID          uint64
	feeWalletAddress string
}

// TransactionServiceParams bundles the service's dependencies.
type TransactionServiceParams struct {
	Pipeline         *validation.Pipeline
	Store            EventStore
	Nonces           *nonce.Manager
	Verifier         *signature.Verifier
	Client           chain.Client
	Rates            *ExchangeRateService
	Fees             *FeeService
	Estimates        *EstimateService
	Queue            QueueAPI
	QueueURL         string
	Alerter          alert.Alerter
	Logger           *zap.Logger
	ChainID          uint64
	FeeWalletAddress string
}

// NewTransactionService wires the lifecycle service.
func NewTransactionService(p TransactionServiceParams) *TransactionService {
	return &TransactionService{
		pipeline:         p.Pipeline,
		store:            p.Store,
		nonces:           p.Nonces,
		verifier:         p.Verifier,
		client:           p.Client,
		rates:            p.Rates,
		fees:             p.Fees,
		estimates:        p.Estimates,
		queue:            p.Queue,
		queueURL:         p.QueueURL,
		alerter:          p.Alerter,
		logger:           p.Logger,
		chainID:          p.ChainID,
		feeWalletAddress: p.FeeWalletAddress,
	}
}

// Initiate validates the request, fixes all amounts server-side,
// reserves consecutive nonces for the two legs, and returns the
// immutable unsigned template pair. The bundle's event stream starts
// here; a rejected request still leaves an auditable stream.
func (s *TransactionService) Initiate(ctx context.Context, req *types.InitiateRequest) (*types.UnsignedTransactionPair, error) {
	outcome := s.pipeline.Validate(ctx, req)
	if !outcome.Passed {
		s.recordRejection(ctx, req, outcome)
		return nil, errors.Wrap(ErrValidationFailed, outcome.Reasons())
	}

	rate, err := s.rates.GetRate(ctx, req.TokenType, req.FiatCurrency)
	if err != nil {
		return nil, errors.Wrap(err, "failed to price payment")
	}
	weiAmount, err := FiatToWei(req.FiatAmountMinor, rate.Price)
	if err != nil {
		return nil, err
	}
	if err := checkQuoteDrift(weiAmount, req.WeiAmount); err != nil {
		return nil, err
	}

	serviceFee, err := s.fees.ServiceFee(ctx, req.TokenType, weiAmount)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute service fee")
	}

	estReq := &types.EstimateRequest{
		TokenType:        req.TokenType,
		SenderAddress:    req.SenderAddress,
		RecipientAddress: req.RecipientAddress,
		FiatAmountMinor:  req.FiatAmountMinor,
		FiatCurrency:     req.FiatCurrency,
	}
	gas, err := s.estimates.gasPricing(ctx, estReq, weiAmount)
	if err != nil {
		return nil, errors.Wrap(err, "failed to price gas")
	}

	sender := common.HexToAddress(req.SenderAddress)
	pair, err := s.nonces.AllocatePair(ctx, sender)
	if err != nil {
		if errors.Is(err, nonce.ErrDesync) {
			s.alerter.NonceDesync(ctx, req.SenderAddress)
		}
		return nil, err
	}

	transactionID := uuid.NewString()
	networkFee := new(big.Int).Mul(gas.maxFeePerGas, new(big.Int).SetUint64(2*gas.estimatedGas))

	bundle := &types.TransactionBundle{
		TransactionID:    transactionID,
		UserID:           req.UserID,
		SenderAddress:    req.SenderAddress,
		RecipientAddress: req.RecipientAddress,
		FeeWalletAddress: s.feeWalletAddress,
		TokenType:        req.TokenType,
		ChainID:          s.chainID,
		FiatAmountMinor:  req.FiatAmountMinor,
		FiatCurrency:     req.FiatCurrency,
		WeiAmount:        weiAmount,
		ServiceFeeWei:    serviceFee,
		NetworkFeeWei:    networkFee,
		ExchangeRate:     rate.Price,
		RateExpiry:       rate.ExpiresAt,
		Message:          req.Message,
		CreatedAt:        time.Now().UTC(),
		Main: &types.Leg{
			Kind:     types.LegMain,
			Status:   types.LegCreated,
			Nonce:    &pair.Main,
			Unsigned: s.template(transactionID, req.TokenType, req.RecipientAddress, weiAmount, pair.Main, gas),
		},
		Fee: &types.Leg{
			Kind:     types.LegFee,
			Status:   types.LegCreated,
			Nonce:    &pair.Fee,
			Unsigned: s.template(transactionID, req.TokenType, s.feeWalletAddress, serviceFee, pair.Fee, gas),
		},
	}

	if err := s.append(ctx, bundle, types.EventInitiated, nil, "", 0); err != nil {
		s.nonces.Release(sender, pair.Main)
		s.nonces.Release(sender, pair.Fee)
		return nil, err
	}
	if err := s.append(ctx, bundle, types.EventValidated, nil, "all phases passed", 0); err != nil {
		return nil, err
	}

	s.logger.Info("transaction initiated",
		zap.String("transaction_id", transactionID),
		zap.String("user_id", req.UserID),
		zap.Int64("fiat_amount_minor", req.FiatAmountMinor),
		zap.String("wei_amount", weiAmount.String()))

	return &types.UnsignedTransactionPair{
		TransactionID: transactionID,
		Main:          *bundle.Main.Unsigned,
		Fee:           *bundle.Fee.Unsigned,
	}, nil
}

// Commit verifies both signed payloads byte-for-byte against the
// issued templates, records the Signed event, and hands the bundle to
// the broadcaster queue.
func (s *TransactionService) Commit(ctx context.Context, req *types.CommitRequest) (*types.StatusView, error) {
	bundle, err := s.fold(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if bundle.UserID != req.UserID {
		return nil, ErrForbidden
	}
	if bundle.Main.Status != types.LegCreated {
		return nil, errors.Wrapf(ErrWrongState, "main leg is %s", bundle.Main.Status)
	}

	if _, err := s.verifier.Verify(req.MainSignedTx, bundle.Main.Unsigned, bundle.SenderAddress); err != nil {
		return nil, s.rejectSignature(ctx, bundle, err)
	}
	if _, err := s.verifier.Verify(req.FeeSignedTx, bundle.Fee.Unsigned, bundle.SenderAddress); err != nil {
		return nil, s.rejectSignature(ctx, bundle, err)
	}

	bundle.Main.SignedPayload = req.MainSignedTx
	bundle.Fee.SignedPayload = req.FeeSignedTx
	if err := s.append(ctx, bundle, types.EventSigned, nil, "", 0); err != nil {
		return nil, err
	}

	job, _ := json.Marshal(BroadcastJob{TransactionID: bundle.TransactionID})
	if _, err := s.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(job)),
	}); err != nil {
		// The Signed event is durable; the broadcaster's sweep will
		// pick the bundle up even if the enqueue is lost.
		s.logger.Error("failed to enqueue broadcast job",
			zap.String("transaction_id", bundle.TransactionID),
			zap.Error(err))
	}

	s.logger.Info("transaction committed",
		zap.String("transaction_id", bundle.TransactionID),
		zap.String("user_id", req.UserID))

	return statusView(bundle), nil
}

// Cancel stops a payment while the recipient leg is still local. Once
// a broadcast has been attempted, cancellation is refused: the
// transaction may already be on the network.
func (s *TransactionService) Cancel(ctx context.Context, transactionID, userID string) (*types.StatusView, error) {
	bundle, err := s.fold(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if bundle.UserID != userID {
		return nil, ErrForbidden
	}

	switch bundle.Main.Status {
	case types.LegCreated, types.LegSigned:
	default:
		return nil, errors.Wrapf(ErrNotCancellable, "main leg is %s", bundle.Main.Status)
	}

	if err := s.append(ctx, bundle, types.EventCancelled, nil, "cancelled by user", 0); err != nil {
		return nil, err
	}

	// Neither leg reached the network; both nonces are reusable.
	sender := common.HexToAddress(bundle.SenderAddress)
	if bundle.Main.Nonce != nil {
		s.nonces.Release(sender, *bundle.Main.Nonce)
	}
	if bundle.Fee.Nonce != nil {
		s.nonces.Release(sender, *bundle.Fee.Nonce)
	}

	return statusView(bundle), nil
}

// Status folds the live event stream into the client-facing view.
func (s *TransactionService) Status(ctx context.Context, transactionID, userID string) (*types.StatusView, error) {
	bundle, err := s.fold(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if bundle.UserID != userID {
		return nil, ErrForbidden
	}
	return statusView(bundle), nil
}

// History lists the user's bundles, most recent first.
func (s *TransactionService) History(ctx context.Context, userID string, limit int32) ([]types.StatusView, error) {
	events, err := s.store.ListByUser(ctx, userID, limit)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return []types.StatusView{}, nil
		}
		return nil, err
	}

	views := make([]types.StatusView, 0, len(events))
	for _, ev := range events {
		if ev.Snapshot == nil {
			continue
		}
		views = append(views, *statusView(ev.Snapshot))
	}
	return views, nil
}

func (s *TransactionService) fold(ctx context.Context, transactionID string) (*types.TransactionBundle, error) {
	events, err := s.store.List(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return statemachine.Fold(events)
}

// append applies the event to the bundle, snapshots the result, and
// persists it. The bundle argument is mutated to the post-event state.
func (s *TransactionService) append(ctx context.Context, bundle *types.TransactionBundle, eventType types.EventType, leg *types.LegKind, detail string, attempt int) error {
	event := &types.TransactionEvent{
		TransactionID: bundle.TransactionID,
		UserID:        bundle.UserID,
		EventType:     eventType,
		Leg:           leg,
		Detail:        detail,
		Attempt:       attempt,
		Snapshot:      bundle.Clone(),
	}
	if eventType != types.EventInitiated {
		if err := statemachine.Apply(bundle, event); err != nil {
			return err
		}
		event.Snapshot = bundle.Clone()
	}
	if _, err := s.store.Append(ctx, event); err != nil {
		return errors.Wrapf(err, "failed to record %s event", eventType)
	}
	return nil
}

// recordRejection leaves an auditable stream for a rejected request:
// a minimal Initiated snapshot, the failed Validated verdict, and a
// closing Cancelled event.
func (s *TransactionService) recordRejection(ctx context.Context, req *types.InitiateRequest, outcome validation.Outcome) {
	bundle := &types.TransactionBundle{
		TransactionID:    uuid.NewString(),
		UserID:           req.UserID,
		SenderAddress:    req.SenderAddress,
		RecipientAddress: req.RecipientAddress,
		TokenType:        req.TokenType,
		ChainID:          s.chainID,
		FiatAmountMinor:  req.FiatAmountMinor,
		FiatCurrency:     req.FiatCurrency,
		CreatedAt:        time.Now().UTC(),
		Main:             &types.Leg{Kind: types.LegMain, Status: types.LegCreated},
		Fee:              &types.Leg{Kind: types.LegFee, Status: types.LegCreated},
	}
	if err := s.append(ctx, bundle, types.EventInitiated, nil, "", 0); err != nil {
		s.logger.Error("failed to record rejected initiation", zap.Error(err))
		return
	}
	_ = s.append(ctx, bundle, types.EventValidated, nil, outcome.Reasons(), 0)
	_ = s.append(ctx, bundle, types.EventCancelled, nil, "rejected by validation", 0)
}

func (s *TransactionService) rejectSignature(ctx context.Context, bundle *types.TransactionBundle, verifyErr error) error {
	s.alerter.SuspiciousSignature(ctx, bundle.TransactionID, bundle.UserID, verifyErr.Error())
	_ = s.append(ctx, bundle, types.EventError, nil, verifyErr.Error(), 0)
	return signature.ErrSignatureMismatch
}

// template issues one immutable unsigned transaction.
func (s *TransactionService) template(transactionID string, token types.TokenType, to string, amount *big.Int, n uint64, gas *gasEstimate) *types.UnsignedTransaction {
	return &types.UnsignedTransaction{
		TransactionID:        transactionID,
		TxType:               2,
		To:                   to,
		AmountBaseUnits:      amount.String(),
		GasLimit:             gas.pricing.EstimatedGas,
		GasPrice:             gas.pricing.GasPrice,
		MaxFeePerGas:         gas.pricing.MaxFeePerGas,
		MaxPriorityFeePerGas: gas.pricing.MaxPriorityFeePerGas,
		Nonce:                new(big.Int).SetUint64(n).String(),
		ChainID:              new(big.Int).SetUint64(s.chainID).String(),
		TokenType:            token,
		TokenDecimals:        token.Decimals(),
	}
}

// checkQuoteDrift rejects an initiate whose client-echoed amount has
// drifted more than 1% from the server's fresh derivation. The server
// figure always wins; the check only catches stale or tampered quotes.
func checkQuoteDrift(derived *big.Int, echoed string) error {
	if echoed == "" {
		return nil
	}
	client, ok := new(big.Int).SetString(echoed, 10)
	if !ok {
		return errors.New("echoed wei amount is not numeric")
	}
	diff := new(big.Int).Sub(derived, client)
	diff.Abs(diff)
	// diff * 100 > derived  <=>  drift > 1%
	if diff.Mul(diff, big.NewInt(100)).Cmp(derived) > 0 {
		return errors.New("quoted amount is stale, request a fresh estimate")
	}
	return nil
}

func statusView(bundle *types.TransactionBundle) *types.StatusView {
	status, _ := bundle.Status()
	view := &types.StatusView{
		TransactionID: bundle.TransactionID,
		BundleStatus:  status,
		MainStatus:    bundle.Main.Status,
		MainTxHash:    bundle.Main.ChainTxHash,
		FiatAmount:    bundle.FiatAmountMinor,
		FiatCurrency:  bundle.FiatCurrency,
		CreatedAt:     bundle.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}
	if bundle.WeiAmount != nil {
		view.WeiAmount = bundle.WeiAmount.String()
	}
	return view
}
