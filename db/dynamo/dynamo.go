// Package dynamo implements the db.Client contract on a single DynamoDB
// table. Items are keyed by pk = kind and sk = encoded key, carry the
// entity's properties under "props" and a write timestamp under "version".
// Transactions are optimistic: reads record the observed version and the
// commit is one TransactWriteItems call whose condition expressions fail if
// any read item changed, in which case the transaction function is re-run.
//
// Queries read the kind's partition through a paginator and evaluate
// filters and orders client-side, which keeps the table free of
// per-property secondary indexes at the cost of scanning the partition.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/marrowkit/marrow/db"
)

// maxTransactItems is the DynamoDB TransactWriteItems limit.
const maxTransactItems = 100

// Client is a DynamoDB-backed db.Client.
type Client struct {
	ddb    *dynamodb.Client
	config Config
}

// New creates a new Client.
func New(ddb *dynamodb.Client, config Config) *Client {
	config.validate()
	return &Client{ddb: ddb, config: config}
}

func (c *Client) itemKey(key *db.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key.Kind},
		"sk": &types.AttributeValueMemberS{Value: key.Encode()},
	}
}

func (c *Client) marshalEntity(entity *db.Entity, version int64) (map[string]types.AttributeValue, error) {
	props, err := encodeProps(entity)
	if err != nil {
		return nil, fmt.Errorf("dynamo: entity %s: %w", entity.Key.Encode(), err)
	}
	item := c.itemKey(entity.Key)
	item["props"] = &types.AttributeValueMemberM{Value: props}
	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	return item, nil
}

func (c *Client) unmarshalEntity(item map[string]types.AttributeValue) (*db.Entity, int64, error) {
	sk, ok := item["sk"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, 0, fmt.Errorf("dynamo: item without sk attribute")
	}
	key, err := db.DecodeKey(sk.Value)
	if err != nil {
		return nil, 0, err
	}
	entity := db.NewEntity(key)
	if props, ok := item["props"].(*types.AttributeValueMemberM); ok {
		entity.Props, err = decodeProps(props.Value)
		if err != nil {
			return nil, 0, fmt.Errorf("dynamo: entity %s: %w", sk.Value, err)
		}
	}
	var version int64
	if v, ok := item["version"].(*types.AttributeValueMemberN); ok {
		version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	return entity, version, nil
}

func (c *Client) getWithVersion(ctx context.Context, key *db.Key) (*db.Entity, int64, error) {
	if key == nil || key.Incomplete() {
		return nil, 0, db.ErrInvalidKey
	}
	result, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.config.Table),
		Key:            c.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, err
	}
	if result.Item == nil {
		return nil, 0, db.ErrNotFound
	}
	return c.unmarshalEntity(result.Item)
}

// Get implements db.Reader.
func (c *Client) Get(ctx context.Context, key *db.Key) (*db.Entity, error) {
	entity, _, err := c.getWithVersion(ctx, key)
	return entity, err
}

// GetMulti implements db.Reader.
func (c *Client) GetMulti(ctx context.Context, keys []*db.Key) ([]*db.Entity, error) {
	out := make([]*db.Entity, len(keys))
	for i, key := range keys {
		entity, err := c.Get(ctx, key)
		if err == nil {
			out[i] = entity
		} else if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	return out, nil
}

// Put implements db.Writer.
func (c *Client) Put(ctx context.Context, entity *db.Entity) (*db.Key, error) {
	if entity == nil || entity.Key == nil || entity.Key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	item, err := c.marshalEntity(entity, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	_, err = c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.config.Table),
		Item:      item,
	})
	if err != nil {
		return nil, err
	}
	return entity.Key, nil
}

// PutMulti implements db.Writer.
func (c *Client) PutMulti(ctx context.Context, entities []*db.Entity) ([]*db.Key, error) {
	keys := make([]*db.Key, len(entities))
	for i, entity := range entities {
		key, err := c.Put(ctx, entity)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

// Delete implements db.Writer.
func (c *Client) Delete(ctx context.Context, key *db.Key) error {
	if key == nil || key.Incomplete() {
		return db.ErrInvalidKey
	}
	_, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.config.Table),
		Key:       c.itemKey(key),
	})
	return err
}

// DeleteMulti implements db.Writer.
func (c *Client) DeleteMulti(ctx context.Context, keys []*db.Key) error {
	for _, key := range keys {
		if err := c.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// AllocateKey implements db.Client.
func (c *Client) AllocateKey(ctx context.Context, kind string, parent *db.Key) (*db.Key, error) {
	if kind == "" {
		return nil, db.ErrInvalidKey
	}
	return &db.Key{Kind: kind, ID: uuid.NewString(), Parent: parent}, nil
}

// RunInTransaction implements db.Client. Each attempt re-runs fn against a
// fresh view and commits with one conditional TransactWriteItems call; a
// concurrent writer fails the conditions and triggers the next attempt.
func (c *Client) RunInTransaction(ctx context.Context, fn func(tx db.Tx) error) error {
	for attempt := 0; attempt < c.config.TxRetries; attempt++ {
		tx := &dynTx{client: c, reads: map[string]int64{}, writes: map[string]*db.Entity{}}
		if err := fn(tx); err != nil {
			return err
		}
		retry, err := tx.commit(ctx)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
	}
	return db.ErrConcurrentTransaction
}

// dynTx buffers writes and records the version of every item read, so the
// commit can assert nothing changed underneath.
type dynTx struct {
	client *Client

	// reads maps encoded key to the observed version, 0 for absent items.
	reads map[string]int64

	// writes maps encoded key to the pending entity, nil marking a delete.
	writes     map[string]*db.Entity
	writeOrder []string
	keysByEnc  map[string]*db.Key
}

func (t *dynTx) recordKey(key *db.Key) string {
	encoded := key.Encode()
	if t.keysByEnc == nil {
		t.keysByEnc = map[string]*db.Key{}
	}
	t.keysByEnc[encoded] = key
	return encoded
}

func (t *dynTx) Get(ctx context.Context, key *db.Key) (*db.Entity, error) {
	if key == nil || key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	encoded := t.recordKey(key)
	if pending, ok := t.writes[encoded]; ok {
		if pending == nil {
			return nil, db.ErrNotFound
		}
		return pending.Clone(), nil
	}
	entity, version, err := t.client.getWithVersion(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		if _, seen := t.reads[encoded]; !seen {
			t.reads[encoded] = 0
		}
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads[encoded]; !seen {
		t.reads[encoded] = version
	}
	return entity, nil
}

func (t *dynTx) GetMulti(ctx context.Context, keys []*db.Key) ([]*db.Entity, error) {
	out := make([]*db.Entity, len(keys))
	for i, key := range keys {
		entity, err := t.Get(ctx, key)
		if err == nil {
			out[i] = entity
		} else if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	return out, nil
}

func (t *dynTx) Put(ctx context.Context, entity *db.Entity) (*db.Key, error) {
	if entity == nil || entity.Key == nil || entity.Key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	encoded := t.recordKey(entity.Key)
	if _, ok := t.writes[encoded]; !ok {
		t.writeOrder = append(t.writeOrder, encoded)
	}
	t.writes[encoded] = entity.Clone()
	return entity.Key, nil
}

func (t *dynTx) PutMulti(ctx context.Context, entities []*db.Entity) ([]*db.Key, error) {
	keys := make([]*db.Key, len(entities))
	for i, entity := range entities {
		key, err := t.Put(ctx, entity)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

func (t *dynTx) Delete(ctx context.Context, key *db.Key) error {
	if key == nil || key.Incomplete() {
		return db.ErrInvalidKey
	}
	encoded := t.recordKey(key)
	if _, ok := t.writes[encoded]; !ok {
		t.writeOrder = append(t.writeOrder, encoded)
	}
	t.writes[encoded] = nil
	return nil
}

func (t *dynTx) DeleteMulti(ctx context.Context, keys []*db.Key) error {
	for _, key := range keys {
		if err := t.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// versionCondition asserts the item still carries the version observed at
// read time (or still does not exist).
func versionCondition(version int64) (string, map[string]types.AttributeValue) {
	if version == 0 {
		return "attribute_not_exists(pk)", nil
	}
	return "version = :v", map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}
}

// commit builds and executes the TransactWriteItems call. It reports
// whether the attempt should be retried.
func (t *dynTx) commit(ctx context.Context) (retry bool, err error) {
	table := aws.String(t.client.config.Table)
	version := time.Now().UnixNano()
	var items []types.TransactWriteItem

	// Pure reads become condition checks so a conflicting commit in the
	// meantime aborts this one.
	for encoded, readVersion := range t.reads {
		if _, written := t.writes[encoded]; written {
			continue
		}
		expr, values := versionCondition(readVersion)
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:                 table,
				Key:                       t.client.itemKey(t.keysByEnc[encoded]),
				ConditionExpression:       aws.String(expr),
				ExpressionAttributeValues: values,
			},
		})
	}

	for _, encoded := range t.writeOrder {
		key := t.keysByEnc[encoded]
		entity := t.writes[encoded]
		readVersion, wasRead := t.reads[encoded]
		if entity == nil {
			del := &types.Delete{TableName: table, Key: t.client.itemKey(key)}
			if wasRead {
				expr, values := versionCondition(readVersion)
				del.ConditionExpression = aws.String(expr)
				del.ExpressionAttributeValues = values
			}
			items = append(items, types.TransactWriteItem{Delete: del})
			continue
		}
		item, err := t.client.marshalEntity(entity, version)
		if err != nil {
			return false, err
		}
		put := &types.Put{TableName: table, Item: item}
		if wasRead {
			expr, values := versionCondition(readVersion)
			put.ConditionExpression = aws.String(expr)
			put.ExpressionAttributeValues = values
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}

	if len(items) == 0 {
		return false, nil
	}
	if len(items) > maxTransactItems {
		// Too large to commit atomically; the caller sees the same error a
		// persistent conflict produces and must restructure or retry
		// smaller.
		return false, fmt.Errorf("%w: transaction touches %d items, limit %d",
			db.ErrConcurrentTransaction, len(items), maxTransactItems)
	}

	_, err = t.client.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return false, nil
	}
	var cancelErr *types.TransactionCanceledException
	if errors.As(err, &cancelErr) && onlyConflictReasons(cancelErr) {
		return true, nil
	}
	var conflictErr *types.TransactionConflictException
	if errors.As(err, &conflictErr) {
		return true, nil
	}
	return false, err
}

// onlyConflictReasons reports whether every cancellation reason is a
// condition failure or a transaction conflict, i.e. retryable contention.
func onlyConflictReasons(err *types.TransactionCanceledException) bool {
	for _, reason := range err.CancellationReasons {
		if reason.Code == nil {
			continue
		}
		switch *reason.Code {
		case "None", "ConditionalCheckFailed", "TransactionConflict":
		default:
			return false
		}
	}
	return true
}

// Run implements db.Client. The kind's partition is paginated through and
// filters, orders and the cursor are applied client-side.
func (c *Client) Run(ctx context.Context, q *db.Query) (*db.QueryResult, error) {
	var matched []*db.Entity
	paginator := dynamodb.NewQueryPaginator(c.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(c.config.Table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: q.Kind},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			entity, _, err := c.unmarshalEntity(raw)
			if err != nil {
				return nil, err
			}
			if !db.HasAncestor(entity, q.Ancestor) {
				continue
			}
			ok := true
			for _, f := range q.Filters {
				if !db.MatchFilter(entity, f) {
					ok = false
					break
				}
			}
			if ok {
				matched = append(matched, entity)
			}
		}
	}

	db.SortEntities(matched, q.Orders)

	if q.Cursor != "" {
		pos, err := db.DecodeCursor(q.Cursor, q.Orders)
		if err != nil {
			return nil, err
		}
		skip := 0
		for skip < len(matched) && !pos.Before(matched[skip], q.Orders) {
			skip++
		}
		matched = matched[skip:]
	}

	result := &db.QueryResult{}
	if q.Limit > 0 && len(matched) > q.Limit {
		result.Entities = matched[:q.Limit]
		result.Cursor = db.CursorFor(result.Entities[q.Limit-1], q.Orders)
	} else {
		result.Entities = matched
	}
	return result, nil
}
