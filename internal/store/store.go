// Package store is the Session Store Adapter: typed CRUD and conditional
// writes over the session table, with the two secondary indexes the
// list and reconciliation paths need.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// ddbAPI is the narrow subset of *dynamodb.Client the Store calls;
// letting tests substitute a fake for it is the only reason this
// interface exists instead of a concrete *dynamodb.Client field.
type ddbAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store is the Session Store Adapter (C1). Change emission (§4.1's
// before/after image, "implementers may pull from a database change feed
// or emit to a message log") is the table's real DynamoDB Streams feed,
// consumed out-of-process by cmd/streamprocessor — the Store itself has
// no in-process subscriber hook, since a change-stream consumer never
// runs in the same process as the writer that produced the change.
type Store struct {
	client              ddbAPI
	table               string
	projectCreatedIndex string
	statusExpiresIndex  string
}

// New builds a Store against the given table, with its two secondary
// indexes named.
func New(client *dynamodb.Client, table, projectCreatedIndex, statusExpiresIndex string) *Store {
	return &Store{client: client, table: table, projectCreatedIndex: projectCreatedIndex, statusExpiresIndex: statusExpiresIndex}
}

// Create inserts a new session record, failing with ConflictError if the
// sessionId already exists (I5: uniqueness for the lifetime of the record).
func (s *Store) Create(ctx context.Context, sess types.Session) error {
	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return errs.FatalErr("marshal session", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sessionId)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return errs.Conflict(sess.SessionID, "session id already exists")
		}
		return errs.Transient(err)
	}

	return nil
}

// Get retrieves a session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (types.Session, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"sessionId": &ddbtypes.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		return types.Session{}, errs.Transient(err)
	}
	if out.Item == nil {
		return types.Session{}, errs.NotFound("session not found: " + sessionID)
	}

	var sess types.Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return types.Session{}, errs.FatalErr("unmarshal session", err)
	}
	return sess, nil
}

// Patch is a partial update applied by UpdateIf: it receives a copy of the
// current record and returns the modified copy.
type Patch func(types.Session) types.Session

// UpdateIf conditionally replaces the record at sessionID, succeeding
// only if its current internalStatus equals expectedInternal (I2, P3).
// On precondition failure it returns ConflictError without retrying —
// per spec.md §4.1, only the caller knows whether the new observed state
// still permits its intended transition.
func (s *Store) UpdateIf(ctx context.Context, sessionID string, expectedInternal types.InternalStatus, patch Patch) (types.Session, error) {
	before, err := s.Get(ctx, sessionID)
	if err != nil {
		return types.Session{}, err
	}

	after := patch(before)
	after.SessionID = sessionID
	after.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	item, err := attributevalue.MarshalMap(after)
	if err != nil {
		return types.Session{}, errs.FatalErr("marshal session", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("internalStatus = :expected"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":expected": &ddbtypes.AttributeValueMemberS{Value: string(expectedInternal)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return types.Session{}, errs.Conflict(sessionID, fmt.Sprintf("expected internalStatus %s", expectedInternal))
		}
		return types.Session{}, errs.Transient(err)
	}

	return after, nil
}

// Page is one page of a list/scan result.
type Page struct {
	Sessions []types.Session
	Cursor   map[string]ddbtypes.AttributeValue
}

// ListByProject returns sessions for projectID newest-first, using the
// projectId-createdAt secondary index.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit int32, cursor map[string]ddbtypes.AttributeValue) (Page, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.projectCreatedIndex),
		KeyConditionExpression: aws.String("projectId = :pid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pid": &ddbtypes.AttributeValueMemberS{Value: projectID},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(limit),
		ExclusiveStartKey: cursor,
	})
	if err != nil {
		return Page{}, errs.Transient(err)
	}

	sessions := make([]types.Session, 0, len(out.Items))
	for _, item := range out.Items {
		var sess types.Session
		if err := attributevalue.UnmarshalMap(item, &sess); err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return Page{Sessions: sessions, Cursor: out.LastEvaluatedKey}, nil
}

// ScanExpiringNonTerminal returns non-terminal sessions whose expiresAt
// is before cutoff, using the status-expiresAt index — the TTL sweep's
// primary query (§4.8 pass 1).
func (s *Store) ScanExpiringNonTerminal(ctx context.Context, cutoff time.Time) ([]types.Session, error) {
	var results []types.Session
	nonTerminal := []types.InternalStatus{
		types.InternalCreating, types.InternalProvisioning, types.InternalReady,
		types.InternalActive, types.InternalTerminating,
	}

	for _, status := range nonTerminal {
		var cursor map[string]ddbtypes.AttributeValue
		for {
			out, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.table),
				IndexName:              aws.String(s.statusExpiresIndex),
				KeyConditionExpression: aws.String("internalStatus = :st AND expiresAt < :cutoff"),
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":st":     &ddbtypes.AttributeValueMemberS{Value: string(status)},
					":cutoff": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.Unix())},
				},
				ExclusiveStartKey: cursor,
			})
			if err != nil {
				return nil, errs.Transient(err)
			}
			for _, item := range out.Items {
				var sess types.Session
				if err := attributevalue.UnmarshalMap(item, &sess); err == nil {
					results = append(results, sess)
				}
			}
			if out.LastEvaluatedKey == nil {
				break
			}
			cursor = out.LastEvaluatedKey
		}
	}
	return results, nil
}

// ScanStuckProvisioning returns CREATING/PROVISIONING sessions older than
// cutoff — the stuck-provisioning sweep's query (§4.8 pass 3).
func (s *Store) ScanStuckProvisioning(ctx context.Context, cutoff time.Time) ([]types.Session, error) {
	var results []types.Session
	for _, status := range []types.InternalStatus{types.InternalCreating, types.InternalProvisioning} {
		var cursor map[string]ddbtypes.AttributeValue
		for {
			out, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.table),
				IndexName:              aws.String(s.statusExpiresIndex),
				KeyConditionExpression: aws.String("internalStatus = :st"),
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":st": &ddbtypes.AttributeValueMemberS{Value: string(status)},
				},
				ExclusiveStartKey: cursor,
			})
			if err != nil {
				return nil, errs.Transient(err)
			}
			for _, item := range out.Items {
				var sess types.Session
				if err := attributevalue.UnmarshalMap(item, &sess); err != nil {
					continue
				}
				createdAt, err := time.Parse(time.RFC3339, sess.CreatedAt)
				if err == nil && createdAt.Before(cutoff) {
					results = append(results, sess)
				}
			}
			if out.LastEvaluatedKey == nil {
				break
			}
			cursor = out.LastEvaluatedKey
		}
	}
	return results, nil
}

func isConditionFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	if ok := asType(err, &ccf); ok {
		return true
	}
	return false
}

func asType(err error, target **ddbtypes.ConditionalCheckFailedException) bool {
	for err != nil {
		if e, ok := err.(*ddbtypes.ConditionalCheckFailedException); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
