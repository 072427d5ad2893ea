// Package admission is Admission Control (C9): API-key to project
// resolution, per-project concurrency caps, and input normalization.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"

	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/types"
)

const apiKeyPrefix = "wc_"

// Resolution is the outcome of resolving an API key.
type Resolution struct {
	ProjectID        string
	AllowedProjectIDs []string
}

type cacheEntry struct {
	resolution Resolution
	expires    time.Time
}

// Control is Admission Control.
type Control struct {
	ddb           *dynamodb.Client
	store         *store.Store
	apiKeysTable  string
	projectsTable string
	cacheTTL      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	rdb *redis.Client
}

// Option configures optional Control behavior beyond the required
// DynamoDB wiring.
type Option func(*Control)

// WithRedisCache adds an L2 spillover cache shared across warm Lambda
// instances, so a key resolved on one instance skips DynamoDB on the
// next cold hit elsewhere instead of falling all the way through to the
// per-instance in-memory cache's empty state.
func WithRedisCache(client *redis.Client) Option {
	return func(c *Control) {
		c.rdb = client
	}
}

// WithRedisAddr is WithRedisCache for callers that only have a
// host:port; an empty addr is a no-op so callers can pass an optional
// environment variable straight through without branching.
func WithRedisAddr(addr string) Option {
	if addr == "" {
		return func(*Control) {}
	}
	return WithRedisCache(redis.NewClient(&redis.Options{Addr: addr}))
}

// New builds a Control over the given DynamoDB tables and the shared
// Session Store (for concurrency counting).
func New(ddb *dynamodb.Client, st *store.Store, apiKeysTable, projectsTable string, opts ...Option) *Control {
	c := &Control{
		ddb:           ddb,
		store:         st,
		apiKeysTable:  apiKeysTable,
		projectsTable: projectsTable,
		cacheTTL:      5 * time.Minute,
		cache:         make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const redisKeyPrefix = "wc:admission:resolve:"

func (c *Control) redisGet(ctx context.Context, hash string) (Resolution, bool) {
	if c.rdb == nil {
		return Resolution{}, false
	}
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+hash).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("admission: redis cache get: %v", err)
		}
		return Resolution{}, false
	}
	var res Resolution
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Printf("admission: redis cache decode: %v", err)
		return Resolution{}, false
	}
	return res, true
}

func (c *Control) redisSet(ctx context.Context, hash string, res Resolution) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+hash, raw, c.cacheTTL).Err(); err != nil {
		log.Printf("admission: redis cache set: %v", err)
	}
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyID returns the stable, non-reversible identifier an api key is
// stored and referenced by elsewhere (session.APIKeyID, audit events),
// so callers never need to persist the raw key.
func KeyID(apiKey string) string {
	return hashAPIKey(apiKey)
}

// Resolve validates apiKey and returns the project context it
// authorizes, backed by a 5-minute in-memory cache.
func (c *Control) Resolve(ctx context.Context, apiKey string) (Resolution, error) {
	if !strings.HasPrefix(apiKey, apiKeyPrefix) || len(apiKey) <= len(apiKeyPrefix) {
		return Resolution{}, errs.Auth("malformed api key")
	}

	hash := hashAPIKey(apiKey)

	c.mu.Lock()
	if entry, ok := c.cache[hash]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.resolution, nil
	}
	c.mu.Unlock()

	if res, ok := c.redisGet(ctx, hash); ok {
		c.mu.Lock()
		c.cache[hash] = cacheEntry{resolution: res, expires: time.Now().Add(c.cacheTTL)}
		c.mu.Unlock()
		return res, nil
	}

	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.apiKeysTable),
		Key: map[string]ddbtypes.AttributeValue{
			"apiKeyHash": &ddbtypes.AttributeValueMemberS{Value: hash},
		},
	})
	if err != nil {
		return Resolution{}, errs.Transient(err)
	}
	if out.Item == nil {
		return Resolution{}, errs.Auth("unknown api key")
	}

	var key types.APIKey
	if err := attributevalue.UnmarshalMap(out.Item, &key); err != nil {
		return Resolution{}, errs.FatalErr("unmarshal api key", err)
	}
	if !key.Active() {
		return Resolution{}, errs.Auth("api key is not active")
	}

	res := Resolution{ProjectID: key.ProjectID, AllowedProjectIDs: key.AllowedProjects()}

	c.mu.Lock()
	c.cache[hash] = cacheEntry{resolution: res, expires: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()
	c.redisSet(ctx, hash, res)

	return res, nil
}

// Project resolves the project reference record for projectID.
func (c *Control) Project(ctx context.Context, projectID string) (types.Project, error) {
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.projectsTable),
		Key: map[string]ddbtypes.AttributeValue{
			"projectId": &ddbtypes.AttributeValueMemberS{Value: projectID},
		},
	})
	if err != nil {
		return types.Project{}, errs.Transient(err)
	}
	if out.Item == nil {
		return types.Project{}, errs.Validation("unknown project: " + projectID)
	}

	var p types.Project
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return types.Project{}, errs.FatalErr("unmarshal project", err)
	}
	if !p.Active() {
		return types.Project{}, errs.Auth("project is not active")
	}
	return p, nil
}

// CheckConcurrency counts non-terminal sessions for projectID against its
// concurrency cap, rejecting with ConcurrencyExceeded when at or over the
// limit (I6).
func (c *Control) CheckConcurrency(ctx context.Context, project types.Project) error {
	var cursor map[string]ddbtypes.AttributeValue
	nonTerminal := 0

	for {
		page, err := c.store.ListByProject(ctx, project.ProjectID, 100, cursor)
		if err != nil {
			return err
		}
		for _, s := range page.Sessions {
			if !s.InternalStatus.Terminal() {
				nonTerminal++
			}
		}
		if nonTerminal >= project.Concurrency {
			return errs.ConcurrencyExceeded(project.ProjectID)
		}
		if page.Cursor == nil {
			break
		}
		cursor = page.Cursor
	}
	return nil
}

// MaxUserMetadataBytes bounds userMetadata per §3 ("opaque map ≤ 4 KiB").
const MaxUserMetadataBytes = 4 * 1024

// NormalizeTimeout clamps a requested timeout (seconds) into
// [60, project.MaxTimeout], defaulting to project.DefaultTimeout when
// requested is zero.
func NormalizeTimeout(requestedSeconds, defaultTimeout, maxTimeout int) int {
	if requestedSeconds <= 0 {
		requestedSeconds = defaultTimeout
	}
	if requestedSeconds < 60 {
		return 60
	}
	if requestedSeconds > maxTimeout {
		return maxTimeout
	}
	return requestedSeconds
}

// ValidateUserMetadata enforces the size cap; the field whitelist is
// enforced by the caller only accepting JSON into the CreateSession
// request's UserMetadata field, so there is no free-form map anywhere
// past this point.
func ValidateUserMetadata(meta map[string]string) error {
	total := 0
	for k, v := range meta {
		total += len(k) + len(v)
	}
	if total > MaxUserMetadataBytes {
		return errs.Validation("userMetadata exceeds 4KiB")
	}
	return nil
}
