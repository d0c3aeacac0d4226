package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/fraud"
	"smallbiznis-gatekeeper/services/permission"
	"smallbiznis-gatekeeper/services/ratelimit"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testMaliciousIP = "203.0.113.66"

type mockKeyStore struct {
	mu      sync.Mutex
	records map[string]*apikey.APIKey
	lookups int
	updates int
	touches int
	err     error
}

func newMockKeyStore(records ...*apikey.APIKey) *mockKeyStore {
	m := &mockKeyStore{records: make(map[string]*apikey.APIKey)}
	for _, r := range records {
		m.records[r.KeyID] = r
	}
	return m
}

func (m *mockKeyStore) FindByKeyID(ctx context.Context, keyID string) (*apikey.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.records[keyID]
	if !ok {
		return nil, nil
	}
	clone := *r
	return &clone, nil
}

func (m *mockKeyStore) FindByID(ctx context.Context, id string) (*apikey.APIKey, error) {
	return nil, nil
}

func (m *mockKeyStore) List(ctx context.Context, tenantID *string, limit, offset int) ([]apikey.APIKey, error) {
	return nil, nil
}

func (m *mockKeyStore) Create(ctx context.Context, record *apikey.APIKey) error { return nil }

func (m *mockKeyStore) Update(ctx context.Context, record *apikey.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	m.records[record.KeyID] = record
	return nil
}

func (m *mockKeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if r, ok := m.records[keyID]; ok {
		stamp := at
		r.LastUsedAt = &stamp
	}
	return nil
}

func (m *mockKeyStore) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func (m *mockKeyStore) counts() (updates, touches int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates, m.touches
}

func (m *mockKeyStore) record(keyID string) apikey.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[keyID]
}

type mockPermissionStore struct {
	mu     sync.Mutex
	grants map[string][]apikey.PermissionGrant
	err    error
}

func (m *mockPermissionStore) GrantsFor(ctx context.Context, keyID string) ([]apikey.PermissionGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.grants[keyID], nil
}

func (m *mockPermissionStore) Grant(ctx context.Context, grant *apikey.PermissionGrant) error {
	return nil
}

type mockConfigStore struct {
	configs []apikey.RateLimitConfig
}

func (m *mockConfigStore) ConfigsFor(ctx context.Context, keyID string) ([]apikey.RateLimitConfig, error) {
	return m.configs, nil
}

func (m *mockConfigStore) Upsert(ctx context.Context, cfg *apikey.RateLimitConfig) error { return nil }

type capturingLogStore struct {
	mu      sync.Mutex
	entries []apikey.UsageLog
}

func (c *capturingLogStore) Append(ctx context.Context, entry *apikey.UsageLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, *entry)
	return nil
}

func (c *capturingLogStore) RecentByKey(ctx context.Context, keyID string, limit int) ([]apikey.UsageLog, error) {
	return nil, nil
}

func (c *capturingLogStore) snapshot() []apikey.UsageLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]apikey.UsageLog, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *capturingLogStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type pipelineFixture struct {
	pipeline *Pipeline
	codec    *apikey.Codec
	keys     *mockKeyStore
	perms    *mockPermissionStore
	logs     *capturingLogStore
}

func newPipelineFixture(t *testing.T, keys *mockKeyStore, perms *mockPermissionStore, configs *mockConfigStore) *pipelineFixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	logs := &capturingLogStore{}
	codec := apikey.NewCodec("test-signing-key")

	pipeline := NewPipeline(PipelineParams{
		Codec: codec,
		Keys:  keys,
		Perms: perms,
		Limiter: ratelimit.NewLimiter(ratelimit.LimiterParams{
			Store:   ratelimit.NewMemoryStore(),
			Configs: configs,
			Logger:  zap.NewNop(),
		}),
		Scorer:  fraud.NewScorer([]string{testMaliciousIP}, []string{"XX"}),
		Signals: NewMemorySignals(),
		Auditor: NewAuditor(AuditorParams{Logs: logs, Node: node, Logger: zap.NewNop()}),
		Logger:  zap.NewNop(),
	})

	return &pipelineFixture{pipeline: pipeline, codec: codec, keys: keys, perms: perms, logs: logs}
}

// seedKey builds a live key record and its formatted credential.
func seedKey(t *testing.T, codec *apikey.Codec, mutate func(*apikey.APIKey)) (*apikey.APIKey, string) {
	t.Helper()

	cred, err := codec.GenerateCredential()
	require.NoError(t, err)

	record := &apikey.APIKey{
		ID:              "1",
		KeyID:           cred.KeyID,
		SecretHash:      codec.Hash(cred.Secret),
		CallerType:      apikey.CallerTypeMerchant,
		Status:          apikey.KeyStatusActive,
		RateLimitTier:   apikey.TierPremium,
		ComplianceLevel: apikey.ComplianceBasic,
	}
	if mutate != nil {
		mutate(record)
	}
	return record, cred.Formatted
}

func grantsFor(record *apikey.APIKey, perms ...permission.Permission) *mockPermissionStore {
	grants := make([]apikey.PermissionGrant, 0, len(perms))
	for _, p := range perms {
		grants = append(grants, apikey.PermissionGrant{KeyID: record.KeyID, Permission: string(p)})
	}
	return &mockPermissionStore{grants: map[string][]apikey.PermissionGrant{record.KeyID: grants}}
}

func requireAuditEntry(t *testing.T, logs *capturingLogStore, n int) []apikey.UsageLog {
	t.Helper()
	require.Eventually(t, func() bool { return logs.count() >= n }, 2*time.Second, 10*time.Millisecond)
	return logs.snapshot()
}

func TestAdmitHappyPath(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	tenant := "tenant-9"
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.TenantID = &tenant
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	auth, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "POST",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})
	require.NoError(t, err)
	require.Equal(t, record.KeyID, auth.KeyID)
	require.Equal(t, apikey.CallerTypeMerchant, auth.CallerType)
	require.Equal(t, &tenant, auth.TenantID)
	require.Equal(t, []permission.Permission{permission.CouponCreate}, auth.Permissions)
	require.Zero(t, auth.FraudScore)
	require.True(t, auth.RateLimit.Allowed)

	entries := requireAuditEntry(t, f.logs, 1)
	require.Equal(t, record.KeyID, entries[0].APIKeyID)
	require.Equal(t, http.StatusOK, entries[0].StatusCode)
	require.False(t, entries[0].IsSuspicious)
	require.NotEmpty(t, entries[0].ID)
}

func TestAdmitWildcardExpandsPermissions(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.CallerType = apikey.CallerTypeAdmin
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.Wildcard), &mockConfigStore{})

	auth, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/keys",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.AnalyticsView,
	})
	require.NoError(t, err)
	require.ElementsMatch(t, permission.Universe(), auth.Permissions)
	require.Equal(t, int64(-1), auth.RateLimit.Remaining)
}

// Premium merchant against an explicit 100/min endpoint config: the first
// hundred requests of the minute are admitted, the rest rejected with a
// positive retry hint.
func TestAdmitSustainedTrafficHitsMinuteCeiling(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, nil)

	configs := &mockConfigStore{configs: []apikey.RateLimitConfig{{
		KeyID:             record.KeyID,
		EndpointPattern:   "/api/coupons",
		BurstLimit:        1000,
		RequestsPerMinute: 100,
		RequestsPerHour:   10000,
		RequestsPerDay:    100000,
	}}}

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), configs)

	req := Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "POST",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	}

	admitted, limited := 0, 0
	for i := 0; i < 150; i++ {
		_, err := f.pipeline.Admit(context.Background(), req)
		if err == nil {
			admitted++
			continue
		}
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		require.Equal(t, ReasonRateLimited, rej.Reason)
		require.Greater(t, rej.RetryAfter, time.Duration(0))
		require.False(t, rej.ResetTime.IsZero())
		limited++
	}

	require.Equal(t, 100, admitted)
	require.Equal(t, 50, limited)

	// Every decision, admitted or not, leaves exactly one audit entry.
	requireAuditEntry(t, f.logs, 150)
}

// A syntactically invalid credential is rejected before any store access and
// audited under the generic unknown identity.
func TestAdmitMalformedCredentialShortCircuits(t *testing.T) {
	keys := newMockKeyStore()
	f := newPipelineFixture(t, keys, &mockPermissionStore{}, &mockConfigStore{})

	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: "ApiKey abc:",
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponSearch,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonMalformedCredential, rej.Reason)
	require.Equal(t, 0, keys.lookupCount())

	entries := requireAuditEntry(t, f.logs, 1)
	require.Equal(t, "unknown", entries[0].APIKeyID)
	require.Equal(t, http.StatusBadRequest, entries[0].StatusCode)
	require.True(t, entries[0].IsSuspicious)
	require.Contains(t, entries[0].SecurityFlags, string(ReasonMalformedCredential))
}

func TestAdmitUnknownKey(t *testing.T) {
	f := newPipelineFixture(t, newMockKeyStore(), &mockPermissionStore{}, &mockConfigStore{})

	credential := apikey.NewCodec("test-signing-key").Format("ghost", []byte("secret-bytes"))
	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponSearch,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonUnknownKey, rej.Reason)
}

func TestAdmitWrongSecret(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, _ := seedKey(t, codec, nil)

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	forged := codec.Format(record.KeyID, []byte("wrong-secret"))
	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: forged,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonInvalidSecret, rej.Reason)
}

func TestAdmitExpiredKey(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	past := time.Now().Add(-time.Hour)
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.ExpiresAt = &past
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonExpiredOrInactive, rej.Reason)
}

// An IP off the allowlist is rejected and the attempt is flagged suspicious
// in the audit trail.
func TestAdmitIPAllowlistRejection(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.AllowedIPs = []string{"192.168.1.1"}
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "10.0.0.5",
		Permission: permission.CouponCreate,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonIPBlocked, rej.Reason)

	entries := requireAuditEntry(t, f.logs, 1)
	require.True(t, entries[0].IsSuspicious)
	require.Equal(t, "10.0.0.5", entries[0].IPAddress)
	require.Contains(t, entries[0].SecurityFlags, string(ReasonIPBlocked))
}

func TestAdmitRegionAllowlist(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.AllowedRegions = []string{"BR", "US"}
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	base := Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	}

	region := "BR"
	base.GeographicLocation = &region
	_, err := f.pipeline.Admit(context.Background(), base)
	require.NoError(t, err)

	other := "FR"
	base.GeographicLocation = &other
	_, err = f.pipeline.Admit(context.Background(), base)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonRegionBlocked, rej.Reason)

	// A restricted key with no region signal on the request is blocked too.
	base.GeographicLocation = nil
	_, err = f.pipeline.Admit(context.Background(), base)
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonRegionBlocked, rej.Reason)
}

// A consumer key calling from a malicious IP with a large purchase stacks
// enough risk factors to cross the rejection threshold.
func TestAdmitHighFraudScoreRejection(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.CallerType = apikey.CallerTypeConsumer
		k.ComplianceLevel = apikey.CompliancePCI
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponPurchase), &mockConfigStore{})

	value := 20000.0
	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential:       credential,
		Endpoint:         "/api/coupons/purchase",
		Method:           "POST",
		IPAddress:        testMaliciousIP,
		TransactionValue: &value,
		Permission:       permission.CouponPurchase,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonHighFraudScore, rej.Reason)

	entries := requireAuditEntry(t, f.logs, 1)
	require.True(t, entries[0].IsSuspicious)
	require.GreaterOrEqual(t, entries[0].FraudScore, 75)
}

// Mid-range scores admit but mark the usage log suspicious.
func TestAdmitSuspiciousButBelowRejection(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, nil)

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	// Malicious IP (50) + high-risk region (10) = 60: above suspicious,
	// below rejection.
	region := "XX"
	auth, err := f.pipeline.Admit(context.Background(), Request{
		Credential:         credential,
		Endpoint:           "/api/coupons",
		Method:             "POST",
		IPAddress:          testMaliciousIP,
		GeographicLocation: &region,
		Permission:         permission.CouponCreate,
	})
	require.NoError(t, err)
	require.Equal(t, 60, auth.FraudScore)

	entries := requireAuditEntry(t, f.logs, 1)
	require.True(t, entries[0].IsSuspicious)
	require.Equal(t, http.StatusOK, entries[0].StatusCode)
}

func TestAdmitPermissionDenied(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, nil)

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponSearch), &mockConfigStore{})

	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "POST",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonPermissionDenied, rej.Reason)
}

// Holding the permission is not enough when a compliance gate applies.
func TestAdmitComplianceGateDenied(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, func(k *apikey.APIKey) {
		k.CallerType = apikey.CallerTypeConsumer
		k.ComplianceLevel = apikey.ComplianceBasic
	})

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponPurchase), &mockConfigStore{})

	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons/purchase",
		Method:     "POST",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponPurchase,
	})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonPermissionDenied, rej.Reason)
}

// A key-store outage fails closed with a system error, never a silent admit.
func TestAdmitKeyStoreUnavailable(t *testing.T) {
	keys := newMockKeyStore()
	keys.err = errors.New("connection refused")

	f := newPipelineFixture(t, keys, &mockPermissionStore{}, &mockConfigStore{})

	credential := apikey.NewCodec("test-signing-key").Format("some-key", []byte("secret-bytes"))
	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponSearch,
	})
	require.Error(t, err)

	var rej *Rejection
	require.False(t, errors.As(err, &rej))

	entries := requireAuditEntry(t, f.logs, 1)
	require.Contains(t, entries[0].SecurityFlags, "STORE_UNAVAILABLE")
}

func TestAdmitCancelledContext(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, nil)

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Admit(ctx, Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})
	require.Error(t, err)

	var rej *Rejection
	require.False(t, errors.As(err, &rej))

	// Aborted requests still leave a usage-log entry, under the generic
	// identity because no credential was verified.
	entries := requireAuditEntry(t, f.logs, 1)
	require.Equal(t, "unknown", entries[0].APIKeyID)
	require.Equal(t, http.StatusRequestTimeout, entries[0].StatusCode)
	require.Contains(t, entries[0].SecurityFlags, "CONTEXT_CANCELED")
}

func TestAdmitRejectionErrorIsOpaque(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, _ := seedKey(t, codec, nil)

	f := newPipelineFixture(t, newMockKeyStore(record), grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	forged := codec.Format(record.KeyID, []byte("wrong-secret"))
	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: forged,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})

	// The caller-facing message carries the category only, not the stage.
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	for _, leak := range []string{"secret", "hash", "stage", string(ReasonInvalidSecret)} {
		require.NotContains(t, rej.Error(), leak)
	}
}

func TestSignalSourceRecordsAdmittedTraffic(t *testing.T) {
	signals := NewMemorySignals()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, signals.RecordRequest(ctx, "key-1", fraud.RequestSample{
			Endpoint:   fmt.Sprintf("/api/resource/%d", i),
			StatusCode: 200,
			Timestamp:  time.Now(),
		}))
	}

	count, err := signals.RecentRequestCount(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, 5, count)

	history, err := signals.RecentHistory(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	require.Equal(t, "/api/resource/4", history[0].Endpoint)
}

func TestMemorySignalsVelocityOutlivesHistoryCap(t *testing.T) {
	signals := NewMemorySignals()
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.NoError(t, signals.RecordRequest(ctx, "key-1", fraud.RequestSample{
			Endpoint:   "/api/coupons",
			StatusCode: 200,
			Timestamp:  time.Now(),
		}))
	}

	// The history ring is capped well below the scorer's velocity threshold;
	// the counter must keep the full hourly total.
	count, err := signals.RecentRequestCount(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, 150, count)

	history, err := signals.RecentHistory(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, history, 50)

	scorer := fraud.NewScorer(nil, nil)
	score := scorer.Score(fraud.Context{
		CallerType:         apikey.CallerTypeMerchant,
		RecentRequestCount: count,
	})
	require.Equal(t, 20, score)
}

func TestAdmitStampNeverRewritesKeyRecord(t *testing.T) {
	codec := apikey.NewCodec("test-signing-key")
	record, credential := seedKey(t, codec, nil)
	keys := newMockKeyStore(record)

	f := newPipelineFixture(t, keys, grantsFor(record, permission.CouponCreate), &mockConfigStore{})

	_, err := f.pipeline.Admit(context.Background(), Request{
		Credential: credential,
		Endpoint:   "/api/coupons",
		Method:     "GET",
		IPAddress:  "192.168.1.1",
		Permission: permission.CouponCreate,
	})
	require.NoError(t, err)

	// A revoke committed while the stamp is still in flight must survive it.
	keys.mu.Lock()
	keys.records[record.KeyID].Status = apikey.KeyStatusRevoked
	keys.mu.Unlock()

	require.Eventually(t, func() bool {
		_, touches := keys.counts()
		return touches == 1
	}, time.Second, 10*time.Millisecond)

	updates, _ := keys.counts()
	require.Zero(t, updates)

	stored := keys.record(record.KeyID)
	require.Equal(t, apikey.KeyStatusRevoked, stored.Status)
	require.NotNil(t, stored.LastUsedAt)
}
