package store

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// fakeDDB is an in-memory stand-in for ddbAPI, keyed by sessionId, with
// just enough ConditionExpression evaluation to exercise Create/UpdateIf's
// optimistic-concurrency paths.
type fakeDDB struct {
	items map[string]map[string]ddbtypes.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]ddbtypes.AttributeValue)}
}

func (f *fakeDDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := params.Item["sessionId"].(*ddbtypes.AttributeValueMemberS).Value

	cond := aws.ToString(params.ConditionExpression)
	_, exists := f.items[key]
	switch cond {
	case "attribute_not_exists(sessionId)":
		if exists {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "internalStatus = :expected":
		if !exists {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("missing")}
		}
		want := params.ExpressionAttributeValues[":expected"].(*ddbtypes.AttributeValueMemberS).Value
		got := f.items[key]["internalStatus"].(*ddbtypes.AttributeValueMemberS).Value
		if got != want {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("mismatch")}
		}
	}

	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := params.Key["sessionId"].(*ddbtypes.AttributeValueMemberS).Value
	item, ok := f.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	wantStatus := ""
	if av, ok := params.ExpressionAttributeValues[":st"]; ok {
		wantStatus = av.(*ddbtypes.AttributeValueMemberS).Value
	}
	wantProject := ""
	if av, ok := params.ExpressionAttributeValues[":pid"]; ok {
		wantProject = av.(*ddbtypes.AttributeValueMemberS).Value
	}

	var out []map[string]ddbtypes.AttributeValue
	for _, item := range f.items {
		if wantStatus != "" {
			if s, ok := item["internalStatus"].(*ddbtypes.AttributeValueMemberS); !ok || s.Value != wantStatus {
				continue
			}
		}
		if wantProject != "" {
			if p, ok := item["projectId"].(*ddbtypes.AttributeValueMemberS); !ok || p.Value != wantProject {
				continue
			}
		}
		out = append(out, item)
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func newTestStore() (*Store, *fakeDDB) {
	fake := newFakeDDB()
	return &Store{client: fake, table: "sessions", projectCreatedIndex: "byProject", statusExpiresIndex: "byStatus"}, fake
}

func testSession(id string, status types.InternalStatus) types.Session {
	now := time.Now().UTC().Format(time.RFC3339)
	return types.Session{
		SessionID:      id,
		ProjectID:      "proj_1",
		Status:         types.StatusRunning,
		InternalStatus: status,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      time.Now().Add(time.Hour).Unix(),
	}
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	s, _ := newTestStore()
	sess := testSession("sess_1", types.InternalCreating)

	if err := s.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(context.Background(), "sess_1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionID != "sess_1" || got.ProjectID != "proj_1" {
		t.Errorf("Get() = %+v, want round-tripped sess_1/proj_1", got)
	}
}

func TestCreateConflictsOnDuplicateID(t *testing.T) {
	s, _ := newTestStore()
	sess := testSession("sess_1", types.InternalCreating)

	if err := s.Create(context.Background(), sess); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	err := s.Create(context.Background(), sess)
	if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("second Create() error = %v, want KindConflict", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.Get(context.Background(), "does_not_exist")
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("Get() error = %v, want KindNotFound", err)
	}
}

func TestUpdateIfAppliesPatchWhenStatusMatches(t *testing.T) {
	s, _ := newTestStore()
	sess := testSession("sess_1", types.InternalCreating)
	if err := s.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := s.UpdateIf(context.Background(), "sess_1", types.InternalCreating, func(cur types.Session) types.Session {
		cur.InternalStatus = types.InternalProvisioning
		return cur
	})
	if err != nil {
		t.Fatalf("UpdateIf() error = %v", err)
	}
	if updated.InternalStatus != types.InternalProvisioning {
		t.Errorf("InternalStatus = %q, want PROVISIONING", updated.InternalStatus)
	}

	got, _ := s.Get(context.Background(), "sess_1")
	if got.InternalStatus != types.InternalProvisioning {
		t.Errorf("stored InternalStatus = %q, want PROVISIONING", got.InternalStatus)
	}
}

func TestUpdateIfConflictsOnStatusMismatch(t *testing.T) {
	s, _ := newTestStore()
	sess := testSession("sess_1", types.InternalProvisioning)
	if err := s.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := s.UpdateIf(context.Background(), "sess_1", types.InternalCreating, func(cur types.Session) types.Session {
		cur.InternalStatus = types.InternalReady
		return cur
	})
	if !errs.Is(err, errs.KindConflict) {
		t.Fatalf("UpdateIf() error = %v, want KindConflict", err)
	}
}

func TestUpdateIfNotFound(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.UpdateIf(context.Background(), "missing", types.InternalCreating, func(cur types.Session) types.Session {
		return cur
	})
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("UpdateIf() error = %v, want KindNotFound", err)
	}
}

func TestListByProjectFiltersByIndex(t *testing.T) {
	s, _ := newTestStore()
	for _, id := range []string{"sess_1", "sess_2"} {
		if err := s.Create(context.Background(), testSession(id, types.InternalActive)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	other := testSession("sess_3", types.InternalActive)
	other.ProjectID = "proj_2"
	if err := s.Create(context.Background(), other); err != nil {
		t.Fatalf("Create(sess_3) error = %v", err)
	}

	page, err := s.ListByProject(context.Background(), "proj_1", 10, nil)
	if err != nil {
		t.Fatalf("ListByProject() error = %v", err)
	}
	if len(page.Sessions) != 2 {
		t.Errorf("len(Sessions) = %d, want 2", len(page.Sessions))
	}
}

func TestScanStuckProvisioningFiltersByAge(t *testing.T) {
	s, fake := newTestStore()

	stale := testSession("sess_old", types.InternalProvisioning)
	stale.CreatedAt = time.Now().Add(-time.Hour).Format(time.RFC3339)
	item, err := attributevalue.MarshalMap(stale)
	if err != nil {
		t.Fatalf("MarshalMap() error = %v", err)
	}
	fake.items["sess_old"] = item

	fresh := testSession("sess_new", types.InternalProvisioning)
	if err := s.Create(context.Background(), fresh); err != nil {
		t.Fatalf("Create(sess_new) error = %v", err)
	}

	results, err := s.ScanStuckProvisioning(context.Background(), time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ScanStuckProvisioning() error = %v", err)
	}
	if len(results) != 1 || results[0].SessionID != "sess_old" {
		t.Errorf("ScanStuckProvisioning() = %+v, want only sess_old", results)
	}
}

func TestScanExpiringNonTerminalSkipsTerminalStatuses(t *testing.T) {
	s, _ := newTestStore()

	expiring := testSession("sess_expiring", types.InternalActive)
	expiring.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := s.Create(context.Background(), expiring); err != nil {
		t.Fatalf("Create(sess_expiring) error = %v", err)
	}

	stopped := testSession("sess_stopped", types.InternalStopped)
	stopped.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := s.Create(context.Background(), stopped); err != nil {
		t.Fatalf("Create(sess_stopped) error = %v", err)
	}

	results, err := s.ScanExpiringNonTerminal(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ScanExpiringNonTerminal() error = %v", err)
	}
	if len(results) != 1 || results[0].SessionID != "sess_expiring" {
		t.Errorf("ScanExpiringNonTerminal() = %+v, want only sess_expiring", results)
	}
}
