package eventlog

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

// fakeDynamo is an in-memory single-table fake honoring the store's
// key scheme, condition expression, and the two GSIs.
type fakeDynamo struct {
	items []map[string]ddbtypes.AttributeValue
}

func strAttr(item map[string]ddbtypes.AttributeValue, key string) string {
	if v, ok := item[key].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(SK)" {
		pk, sk := strAttr(params.Item, "PK"), strAttr(params.Item, "SK")
		for _, existing := range f.items {
			if strAttr(existing, "PK") == pk && strAttr(existing, "SK") == sk {
				return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
			}
		}
	}
	f.items = append(f.items, params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var matched []map[string]ddbtypes.AttributeValue
	values := params.ExpressionAttributeValues

	switch {
	case params.IndexName != nil && *params.IndexName == "UserIndex":
		uid := values[":uid"].(*ddbtypes.AttributeValueMemberS).Value
		for _, item := range f.items {
			if strAttr(item, "UserID") == uid {
				matched = append(matched, item)
			}
		}
	case params.IndexName != nil && *params.IndexName == "StatusIndex":
		status := values[":status"].(*ddbtypes.AttributeValueMemberS).Value
		for _, item := range f.items {
			if strAttr(item, "BundleStatus") == status {
				matched = append(matched, item)
			}
		}
	default:
		pk := values[":pk"].(*ddbtypes.AttributeValueMemberS).Value
		skPrefix := values[":sk"].(*ddbtypes.AttributeValueMemberS).Value
		for _, item := range f.items {
			if strAttr(item, "PK") == pk && strings.HasPrefix(strAttr(item, "SK"), skPrefix) {
				matched = append(matched, item)
			}
		}
	}

	forward := params.ScanIndexForward == nil || *params.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		less := strAttr(matched[i], "SK") < strAttr(matched[j], "SK")
		if forward {
			return less
		}
		return !less
	})
	if params.Limit != nil && int32(len(matched)) > *params.Limit {
		matched = matched[:*params.Limit]
	}
	return &dynamodb.QueryOutput{Items: matched}, nil
}

func testStore() (*Store, *fakeDynamo) {
	fake := &fakeDynamo{}
	return NewStore(fake, "payrail-events", zap.NewNop()), fake
}

func sampleEvent(txID, userID string, eventType types.EventType) *types.TransactionEvent {
	return &types.TransactionEvent{
		TransactionID: txID,
		UserID:        userID,
		EventType:     eventType,
		Snapshot: &types.TransactionBundle{
			TransactionID:   txID,
			UserID:          userID,
			TokenType:       types.TokenETH,
			FiatAmountMinor: 5000,
			FiatCurrency:    "GBP",
			WeiAmount:       big.NewInt(25_000_000_000_000_000),
			CreatedAt:       time.Now().UTC(),
			Main:            &types.Leg{Kind: types.LegMain, Status: types.LegCreated},
			Fee:             &types.Leg{Kind: types.LegFee, Status: types.LegCreated},
		},
	}
}

func TestAppendAssignsIDAndRoundTrips(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	ev := sampleEvent("tx-1", "user-1", types.EventInitiated)
	id, err := store.Append(ctx, ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, id, ev.EventID)
	assert.False(t, ev.CreatedAt.IsZero())

	got, err := store.Latest(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, types.EventInitiated, got.EventType)
	assert.Equal(t, id, got.EventID)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, "25000000000000000", got.Snapshot.WeiAmount.String())
	assert.Equal(t, types.LegCreated, got.Snapshot.Main.Status)
}

func TestAppendRefusesPersistedEvent(t *testing.T) {
	store, _ := testStore()

	ev := sampleEvent("tx-1", "user-1", types.EventInitiated)
	ev.EventID = "01JABCDEF0000000000000000Z"
	_, err := store.Append(context.Background(), ev)
	require.ErrorIs(t, err, ErrAlreadyPersisted)
}

func TestListPreservesAppendOrder(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	var ids []string
	for _, et := range []types.EventType{types.EventInitiated, types.EventValidated, types.EventSigned} {
		id, err := store.Append(ctx, sampleEvent("tx-1", "user-1", et))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	events, err := store.List(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, ids[i], ev.EventID)
	}
	// Event ids issued in order sort in order, even within one
	// millisecond; the fold relies on this tiebreak.
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestListUnknownTransaction(t *testing.T) {
	store, _ := testStore()

	_, err := store.List(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Latest(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListByUserDeduplicatesToLatest(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	_, err := store.Append(ctx, sampleEvent("tx-1", "user-1", types.EventInitiated))
	require.NoError(t, err)
	_, err = store.Append(ctx, sampleEvent("tx-1", "user-1", types.EventValidated))
	require.NoError(t, err)
	_, err = store.Append(ctx, sampleEvent("tx-2", "user-1", types.EventInitiated))
	require.NoError(t, err)
	_, err = store.Append(ctx, sampleEvent("tx-3", "user-2", types.EventInitiated))
	require.NoError(t, err)

	events, err := store.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	byID := map[string]types.EventType{}
	for _, ev := range events {
		byID[ev.TransactionID] = ev.EventType
	}
	assert.Equal(t, types.EventValidated, byID["tx-1"])
	assert.Equal(t, types.EventInitiated, byID["tx-2"])
}

func TestListByBundleStatus(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	created := sampleEvent("tx-1", "user-1", types.EventInitiated)
	_, err := store.Append(ctx, created)
	require.NoError(t, err)

	signed := sampleEvent("tx-2", "user-1", types.EventSigned)
	signed.Snapshot.Main.Status = types.LegSigned
	signed.Snapshot.Fee.Status = types.LegSigned
	_, err = store.Append(ctx, signed)
	require.NoError(t, err)

	events, err := store.ListByBundleStatus(ctx, types.BundleSigned)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tx-2", events[0].TransactionID)
}
