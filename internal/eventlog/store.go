// Package eventlog persists transaction events to DynamoDB as an
// append-only, per-transaction-ordered log. The key scheme is fixed
// for compatibility: partition key `Transaction#<id>`, sort key
// `Event#<RFC3339Nano timestamp>`. Records are immutable once written.
package eventlog

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

// ErrNotFound is returned when a transaction has no events.
var ErrNotFound = errors.New("no events found for transaction")

// ErrAlreadyPersisted guards against appending an event twice.
var ErrAlreadyPersisted = errors.New("event already has an event id")

// DynamoAPI is the slice of the DynamoDB client the store needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store is the append-only event log.
type Store struct {
	client    DynamoAPI
	tableName string
	logger    *zap.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewStore creates an event log backed by the given table.
func NewStore(client DynamoAPI, tableName string, logger *zap.Logger) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		logger:    logger,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// record is the DynamoDB item shape. BundleSnapshot is the JSON-
// serialized bundle at the time of the event.
type record struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	EventID        string `dynamodbav:"EventID"`
	UserID         string `dynamodbav:"UserID"`
	EventType      string `dynamodbav:"EventType"`
	Leg            string `dynamodbav:"Leg,omitempty"`
	Detail         string `dynamodbav:"Detail,omitempty"`
	Attempt        int    `dynamodbav:"Attempt,omitempty"`
	BundleStatus   string `dynamodbav:"BundleStatus,omitempty"`
	CreatedAt      string `dynamodbav:"CreatedAt"`
	BundleSnapshot string `dynamodbav:"BundleSnapshot"`
}

const (
	pkPrefix = "Transaction#"
	skPrefix = "Event#"
)

// Append assigns the event its id and timestamp and writes it. Same-
// millisecond appends within one process stay ordered because the ULID
// entropy is monotonic; the event id is the fold's tiebreak.
func (s *Store) Append(ctx context.Context, event *types.TransactionEvent) (string, error) {
	if event.EventID != "" {
		return "", errors.Wrapf(ErrAlreadyPersisted, "event_id %s", event.EventID)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.mu.Unlock()

	event.EventID = id
	event.CreatedAt = now

	snapshot, err := json.Marshal(event.Snapshot)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize bundle snapshot")
	}

	rec := record{
		PK:             pkPrefix + event.TransactionID,
		SK:             skPrefix + now.Format(time.RFC3339Nano),
		EventID:        id,
		UserID:         event.UserID,
		EventType:      string(event.EventType),
		Detail:         event.Detail,
		Attempt:        event.Attempt,
		CreatedAt:      now.Format(time.RFC3339Nano),
		BundleSnapshot: string(snapshot),
	}
	if event.Leg != nil {
		rec.Leg = string(*event.Leg)
	}
	if event.Snapshot != nil {
		status, _ := event.Snapshot.Status()
		rec.BundleStatus = string(status)
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal event record")
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to append transaction event")
	}

	s.logger.Debug("appended transaction event",
		zap.String("transaction_id", event.TransactionID),
		zap.String("event_id", id),
		zap.String("event_type", string(event.EventType)))

	return id, nil
}

// Latest returns the most recent event for a transaction.
func (s *Store) Latest(ctx context.Context, transactionID string) (*types.TransactionEvent, error) {
	out, err := s.query(ctx, transactionID, false, 1)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

// List returns a transaction's full event stream in append order.
func (s *Store) List(ctx context.Context, transactionID string) ([]types.TransactionEvent, error) {
	events, err := s.query(ctx, transactionID, true, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

func (s *Store) query(ctx context.Context, transactionID string, forward bool, limit int32) ([]types.TransactionEvent, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: pkPrefix + transactionID},
			":sk": &ddbtypes.AttributeValueMemberS{Value: skPrefix},
		},
		ScanIndexForward: aws.Bool(forward),
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query transaction events")
	}

	events := make([]types.TransactionEvent, 0, len(result.Items))
	for _, item := range result.Items {
		ev, err := unmarshalEvent(item)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}

// ListByUser returns the latest event of each bundle the user has
// initiated, via the UserIndex GSI (UserID hash, SK range).
func (s *Store) ListByUser(ctx context.Context, userID string, limit int32) ([]types.TransactionEvent, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("UserIndex"),
		KeyConditionExpression: aws.String("UserID = :uid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uid": &ddbtypes.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events by user")
	}

	seen := make(map[string]bool)
	events := make([]types.TransactionEvent, 0, len(result.Items))
	for _, item := range result.Items {
		ev, err := unmarshalEvent(item)
		if err != nil {
			return nil, err
		}
		if seen[ev.TransactionID] {
			continue
		}
		seen[ev.TransactionID] = true
		events = append(events, *ev)
	}
	return events, nil
}

// ListByBundleStatus returns the latest events currently carrying the
// given derived bundle status, via the StatusIndex GSI. The watcher
// uses this to find bundles with in-flight legs.
func (s *Store) ListByBundleStatus(ctx context.Context, status types.BundleStatus) ([]types.TransactionEvent, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("StatusIndex"),
		KeyConditionExpression: aws.String("BundleStatus = :status"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":status": &ddbtypes.AttributeValueMemberS{Value: string(status)},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events by status")
	}

	seen := make(map[string]bool)
	events := make([]types.TransactionEvent, 0, len(result.Items))
	for _, item := range result.Items {
		ev, err := unmarshalEvent(item)
		if err != nil {
			return nil, err
		}
		if seen[ev.TransactionID] {
			continue
		}
		seen[ev.TransactionID] = true
		events = append(events, *ev)
	}
	return events, nil
}

func unmarshalEvent(item map[string]ddbtypes.AttributeValue) (*types.TransactionEvent, error) {
	var rec record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event record")
	}

	createdAt, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid CreatedAt %q: %w", rec.CreatedAt, err)
	}

	var snapshot *types.TransactionBundle
	if rec.BundleSnapshot != "" {
		snapshot = &types.TransactionBundle{}
		if err := json.Unmarshal([]byte(rec.BundleSnapshot), snapshot); err != nil {
			return nil, errors.Wrap(err, "failed to deserialize bundle snapshot")
		}
	}

	transactionID := rec.PK
	if len(transactionID) > len(pkPrefix) {
		transactionID = transactionID[len(pkPrefix):]
	}

	ev := &types.TransactionEvent{
		TransactionID: transactionID,
		EventID:       rec.EventID,
		UserID:        rec.UserID,
		EventType:     types.EventType(rec.EventType),
		Detail:        rec.Detail,
		Attempt:       rec.Attempt,
		Snapshot:      snapshot,
		CreatedAt:     createdAt,
	}
	if rec.Leg != "" {
		kind, err := types.ParseLegKind(rec.Leg)
		if err != nil {
			return nil, err
		}
		ev.Leg = types.LegKindPtr(kind)
	}
	return ev, nil
}
