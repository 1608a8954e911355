package enrichment

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rolodex/internal/adapters/ai"
	"rolodex/internal/adapters/config"
	"rolodex/internal/adapters/geo"
	"rolodex/internal/cache"
	"rolodex/internal/domain/contact"
	"rolodex/internal/domain/usage"
	"rolodex/internal/domain/vector"
	"rolodex/internal/services/budget"
	"rolodex/internal/workers"
	"rolodex/pkg/errors"
)

// MockContactRepo is a mock for contact.Repository
type MockContactRepo struct {
	mock.Mock
}

func (m *MockContactRepo) Create(ctx context.Context, c *contact.Contact) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockContactRepo) GetByID(ctx context.Context, userID, id uuid.UUID) (*contact.Contact, error) {
	args := m.Called(ctx, userID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contact.Contact), args.Error(1)
}

func (m *MockContactRepo) GetByIDs(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]*contact.Contact, error) {
	args := m.Called(ctx, userID, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*contact.Contact), args.Error(1)
}

func (m *MockContactRepo) Update(ctx context.Context, c *contact.Contact) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockContactRepo) Delete(ctx context.Context, userID, id uuid.UUID) error {
	args := m.Called(ctx, userID, id)
	return args.Error(0)
}

// MockGeocoder is a mock for geo.Geocoder
type MockGeocoder struct {
	mock.Mock
}

func (m *MockGeocoder) Reverse(ctx context.Context, lat, lng float64) (*geo.Address, error) {
	args := m.Called(ctx, lat, lng)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geo.Address), args.Error(1)
}

// MockVenueFinder is a mock for geo.VenueFinder
type MockVenueFinder struct {
	mock.Mock
}

func (m *MockVenueFinder) Nearby(ctx context.Context, lat, lng float64) (*geo.Venue, error) {
	args := m.Called(ctx, lat, lng)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geo.Venue), args.Error(1)
}

// MockGenerator is a mock for ai.Generator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) EnhanceQuery(ctx context.Context, query string) (*ai.Enhancement, ai.TokenUsage, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Get(1).(ai.TokenUsage), args.Error(2)
	}
	return args.Get(0).(*ai.Enhancement), args.Get(1).(ai.TokenUsage), args.Error(2)
}

func (m *MockGenerator) GenerateTags(ctx context.Context, text string) (*ai.TagResult, ai.TokenUsage, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Get(1).(ai.TokenUsage), args.Error(2)
	}
	return args.Get(0).(*ai.TagResult), args.Get(1).(ai.TokenUsage), args.Error(2)
}

func (m *MockGenerator) EstimateCost(inputText string) decimal.Decimal {
	args := m.Called(inputText)
	return args.Get(0).(decimal.Decimal)
}

func (m *MockGenerator) Name() ai.ProviderName {
	return ai.ProviderNameOpenAI
}

// MockEmbedder is a mock for embeddings.Provider
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, int, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]float32), args.Int(1), args.Error(2)
}

func (m *MockEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) Dimensions() int { return 4 }

func (m *MockEmbedder) Name() string { return "text-embedding-3-small" }

// MockIndex is a mock for vector.Index
type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) EnsureCollection(ctx context.Context, userID uuid.UUID, dimension int) error {
	args := m.Called(ctx, userID, dimension)
	return args.Error(0)
}

func (m *MockIndex) Upsert(ctx context.Context, userID, pointID uuid.UUID, embedding []float32, payload map[string]interface{}) error {
	args := m.Called(ctx, userID, pointID, embedding, payload)
	return args.Error(0)
}

func (m *MockIndex) Search(ctx context.Context, userID uuid.UUID, embedding []float32, limit int) ([]vector.Match, error) {
	args := m.Called(ctx, userID, embedding, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Match), args.Error(1)
}

func (m *MockIndex) Delete(ctx context.Context, userID, pointID uuid.UUID) error {
	args := m.Called(ctx, userID, pointID)
	return args.Error(0)
}

// fakeLedger records calls in memory and answers affordability from a table.
// Guarded by a mutex because the detached indexing task records concurrently.
type fakeLedger struct {
	mu        sync.Mutex
	decisions map[usage.Type]usage.BudgetDecision
	recorded  []budget.RecordParams
	denied    []budget.ExceededParams
	finalized []string
	failed    []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		decisions: map[usage.Type]usage.BudgetDecision{
			usage.TypeAI:  {CanAfford: true},
			usage.TypeAPI: {CanAfford: true},
		},
	}
}

func (f *fakeLedger) RecordUsage(ctx context.Context, p budget.RecordParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, p)
	return nil
}

func (f *fakeLedger) RecordBudgetExceeded(ctx context.Context, p budget.ExceededParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = append(f.denied, p)
	return nil
}

func (f *fakeLedger) CanAffordGeneric(ctx context.Context, userID uuid.UUID, tier string, usageType usage.Type, estimatedCost decimal.Decimal, requiresBillableRun bool) (usage.BudgetDecision, error) {
	return f.decisions[usageType], nil
}

func (f *fakeLedger) FinalizeSession(ctx context.Context, userID uuid.UUID, sessionID string) error {
	if sessionID != "" {
		f.finalized = append(f.finalized, sessionID)
	}
	return nil
}

func (f *fakeLedger) MarkSessionFailed(ctx context.Context, userID uuid.UUID, sessionID string, err error) error {
	if sessionID != "" {
		f.failed = append(f.failed, sessionID)
	}
	return nil
}

// memStore is a minimal in-memory cache.Store
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

var errMemMiss = errors.New("miss")

func (s *memStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	raw, ok := s.data[key]
	if !ok {
		return errMemMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *memStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.data[key] = raw
	return nil
}

func (s *memStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return time.Hour, nil
}

func memIsMiss(err error) bool { return err == errMemMiss }

type enrichFixture struct {
	contacts *MockContactRepo
	geocoder *MockGeocoder
	venues   *MockVenueFinder
	tagger   *MockGenerator
	embedder *MockEmbedder
	index    *MockIndex
	ledger   *fakeLedger
	bg       *workers.Background
	svc      *Service
}

func newEnrichFixture(t *testing.T) *enrichFixture {
	t.Helper()

	f := &enrichFixture{
		contacts: new(MockContactRepo),
		geocoder: new(MockGeocoder),
		venues:   new(MockVenueFinder),
		tagger:   new(MockGenerator),
		embedder: new(MockEmbedder),
		index:    new(MockIndex),
		ledger:   newFakeLedger(),
		bg:       workers.NewBackground(5 * time.Second),
	}
	f.svc = NewService(
		f.contacts,
		f.geocoder,
		f.venues,
		f.tagger,
		f.embedder,
		f.index,
		f.ledger,
		cache.NewResolver(newMemStore(), memIsMiss),
		f.bg,
		config.CacheConfig{TTL: time.Hour, KeyFields: []string{"company", "role", "notes"}},
		config.GeoConfig{CostPerCallUSD: "0.001"},
	)
	return f
}

func locatedContact(userID uuid.UUID) *contact.Contact {
	lat, lng := 52.52, 13.405
	return &contact.Contact{
		ID:        uuid.New(),
		UserID:    userID,
		FullName:  "Alice Johnson",
		Company:   "Acme Corp",
		Role:      "CTO",
		Notes:     "met at tech conference",
		Latitude:  &lat,
		Longitude: &lng,
	}
}

func TestEnrich_FullPipeline(t *testing.T) {
	// Setup
	f := newEnrichFixture(t)
	userID := uuid.New()
	c := locatedContact(userID)
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	f.geocoder.On("Reverse", mock.Anything, 52.52, 13.405).
		Return(&geo.Address{DisplayName: "Alexanderplatz 1, Berlin", City: "Berlin"}, nil)
	f.venues.On("Nearby", mock.Anything, 52.52, 13.405).
		Return(&geo.Venue{Name: "Tech Conference Center"}, nil)
	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.RequireFromString("0.0001"))
	f.tagger.On("GenerateTags", mock.Anything, mock.Anything).
		Return(&ai.TagResult{Tags: []string{"engineering", "executive"}},
			ai.TokenUsage{Cost: decimal.RequireFromString("0.0002")}, nil)
	f.contacts.On("Update", mock.Anything, c).Return(nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(embedding, 7, nil)
	f.index.On("EnsureCollection", mock.Anything, userID, 4).Return(nil)
	f.index.On("Upsert", mock.Anything, userID, c.ID, embedding, mock.Anything).Return(nil)

	// Execute
	res, err := f.svc.Enrich(context.Background(), userID, c, Options{TrackSteps: true})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert
	assert.Equal(t, "Alexanderplatz 1, Berlin", c.Address)
	assert.Equal(t, "Tech Conference Center", c.VenueName)
	assert.ElementsMatch(t, []string{"engineering", "executive"}, []string(c.Tags))
	assert.True(t, res.Indexed)
	assert.Equal(t, cache.SourceGenerated, res.TagSource)

	// geocode + tags are two billable stages: a session exists and closed
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, []string{res.SessionID}, f.ledger.finalized)

	f.contacts.AssertExpectations(t)
	f.index.AssertExpectations(t)

	// the detached embedding step is attributed standalone
	var embedRecord *budget.RecordParams
	for i := range f.ledger.recorded {
		if f.ledger.recorded[i].Feature == FeatureEnrichEmbedding {
			embedRecord = &f.ledger.recorded[i]
		}
	}
	require.NotNil(t, embedRecord)
	assert.Empty(t, embedRecord.SessionID)
}

func TestEnrich_IndexingCostComesFromProviderTokens(t *testing.T) {
	// Setup: provider reports 1000 tokens, far above the length estimate
	f := newEnrichFixture(t)
	userID := uuid.New()
	c := locatedContact(userID)
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	f.contacts.On("Update", mock.Anything, c).Return(nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(embedding, 1000, nil)
	f.index.On("EnsureCollection", mock.Anything, userID, 4).Return(nil)
	f.index.On("Upsert", mock.Anything, userID, c.ID, embedding, mock.Anything).Return(nil)

	// Execute
	res, err := f.svc.Enrich(context.Background(), userID, c, Options{SkipGeo: true, SkipTags: true})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert: the standalone record carries the token-based cost
	assert.True(t, res.Indexed)
	var embedRecord *budget.RecordParams
	for i := range f.ledger.recorded {
		if f.ledger.recorded[i].Feature == FeatureEnrichEmbedding {
			embedRecord = &f.ledger.recorded[i]
		}
	}
	require.NotNil(t, embedRecord)
	wantCost := ai.EmbeddingCostForTokens("text-embedding-3-small", 1000)
	assert.True(t, embedRecord.Cost.Equal(wantCost))
	assert.Equal(t, 1000, embedRecord.Metadata["tokens"])
}

func TestEnrich_VenueFailureContinuesGPSOnly(t *testing.T) {
	// Setup
	f := newEnrichFixture(t)
	userID := uuid.New()
	c := locatedContact(userID)
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	f.geocoder.On("Reverse", mock.Anything, 52.52, 13.405).
		Return(&geo.Address{DisplayName: "Alexanderplatz 1, Berlin"}, nil)
	f.venues.On("Nearby", mock.Anything, 52.52, 13.405).
		Return(nil, errors.Wrap(errors.ErrNotFound, "no venue near coordinate"))
	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.Zero)
	f.tagger.On("GenerateTags", mock.Anything, mock.Anything).
		Return(&ai.TagResult{Tags: []string{"executive"}}, ai.TokenUsage{}, nil)
	f.contacts.On("Update", mock.Anything, c).Return(nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(embedding, 7, nil)
	f.index.On("EnsureCollection", mock.Anything, userID, 4).Return(nil)
	f.index.On("Upsert", mock.Anything, userID, c.ID, embedding, mock.Anything).Return(nil)

	// Execute
	res, err := f.svc.Enrich(context.Background(), userID, c, Options{})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert: venue empty, everything else proceeded
	assert.Empty(t, c.VenueName)
	assert.Equal(t, "Alexanderplatz 1, Berlin", c.Address)
	assert.True(t, res.Stages["venue"].Skipped)
	assert.Equal(t, "no_venue", res.Stages["venue"].SkipReason)
}

func TestEnrich_GeocodeFailureKeepsRawCoordinates(t *testing.T) {
	// Setup
	f := newEnrichFixture(t)
	userID := uuid.New()
	c := locatedContact(userID)
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	f.geocoder.On("Reverse", mock.Anything, 52.52, 13.405).
		Return(nil, errors.New("nominatim timeout"))
	f.venues.On("Nearby", mock.Anything, 52.52, 13.405).
		Return(nil, errors.Wrap(errors.ErrUnavailable, "not configured"))
	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.Zero)
	f.tagger.On("GenerateTags", mock.Anything, mock.Anything).
		Return(&ai.TagResult{Tags: nil}, ai.TokenUsage{}, nil)
	f.contacts.On("Update", mock.Anything, c).Return(nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(embedding, 7, nil)
	f.index.On("EnsureCollection", mock.Anything, userID, 4).Return(nil)
	f.index.On("Upsert", mock.Anything, userID, c.ID, embedding, mock.Anything).Return(nil)

	// Execute
	res, err := f.svc.Enrich(context.Background(), userID, c, Options{})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert
	assert.Empty(t, c.Address)
	assert.NotNil(t, c.Latitude)
	assert.True(t, res.Stages["geocode"].FallbackApplied)
}

func TestEnrich_NoLocationSkipsGeoStages(t *testing.T) {
	// Setup: contact without GPS
	f := newEnrichFixture(t)
	userID := uuid.New()
	c := &contact.Contact{
		ID:      uuid.New(),
		UserID:  userID,
		Company: "Acme",
		Role:    "CEO",
	}
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.Zero)
	f.tagger.On("GenerateTags", mock.Anything, mock.Anything).
		Return(&ai.TagResult{Tags: []string{"executive"}}, ai.TokenUsage{}, nil)
	f.contacts.On("Update", mock.Anything, c).Return(nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(embedding, 7, nil)
	f.index.On("EnsureCollection", mock.Anything, userID, 4).Return(nil)
	f.index.On("Upsert", mock.Anything, userID, c.ID, embedding, mock.Anything).Return(nil)

	// Execute
	res, err := f.svc.Enrich(context.Background(), userID, c, Options{TrackSteps: true})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert: only tagging is billable, no session
	assert.Empty(t, res.SessionID)
	f.geocoder.AssertNotCalled(t, "Reverse", mock.Anything, mock.Anything, mock.Anything)
	f.venues.AssertNotCalled(t, "Nearby", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnrich_TagBudgetDeniedContinuesUntagged(t *testing.T) {
	// Setup: AI denied, API allowed
	f := newEnrichFixture(t)
	f.ledger.decisions[usage.TypeAI] = usage.BudgetDecision{
		CanAfford: false,
		Reason:    usage.ReasonBudgetExceeded,
	}
	userID := uuid.New()
	c := locatedContact(userID)

	f.geocoder.On("Reverse", mock.Anything, 52.52, 13.405).
		Return(&geo.Address{DisplayName: "Berlin"}, nil)
	f.venues.On("Nearby", mock.Anything, 52.52, 13.405).
		Return(nil, errors.Wrap(errors.ErrUnavailable, "not configured"))
	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.RequireFromString("0.0001"))
	f.contacts.On("Update", mock.Anything, c).Return(nil)

	// Execute
	res, err := f.svc.Enrich(context.Background(), userID, c, Options{})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert: untagged, persisted, indexing deferred, denials audited
	assert.Empty(t, c.Tags)
	assert.True(t, res.Stages["tags"].Skipped)
	assert.False(t, res.Indexed)
	f.tagger.AssertNotCalled(t, "GenerateTags", mock.Anything, mock.Anything)
	f.embedder.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)

	features := make([]string, 0, len(f.ledger.denied))
	for _, d := range f.ledger.denied {
		features = append(features, d.Feature)
	}
	assert.Contains(t, features, FeatureEnrichTags)
	assert.Contains(t, features, FeatureEnrichEmbedding)
}

func TestEnrich_SharedProfileHitsTagCache(t *testing.T) {
	// Setup: two different people, same company/role/notes
	f := newEnrichFixture(t)
	userID := uuid.New()
	alice := locatedContact(userID)
	bob := locatedContact(userID)
	bob.ID = uuid.New()
	bob.FullName = "Bob Smith"
	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	f.geocoder.On("Reverse", mock.Anything, mock.Anything, mock.Anything).
		Return(&geo.Address{DisplayName: "Berlin"}, nil)
	f.venues.On("Nearby", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.Wrap(errors.ErrUnavailable, "not configured"))
	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.Zero)
	f.tagger.On("GenerateTags", mock.Anything, mock.Anything).
		Return(&ai.TagResult{Tags: []string{"executive"}}, ai.TokenUsage{}, nil).Once()
	f.contacts.On("Update", mock.Anything, mock.Anything).Return(nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(embedding, 7, nil)
	f.index.On("EnsureCollection", mock.Anything, userID, 4).Return(nil)
	f.index.On("Upsert", mock.Anything, userID, mock.Anything, embedding, mock.Anything).Return(nil)

	// Execute
	first, err := f.svc.Enrich(context.Background(), userID, alice, Options{})
	require.NoError(t, err)
	second, err := f.svc.Enrich(context.Background(), userID, bob, Options{})
	require.NoError(t, err)
	f.bg.Wait()

	// Assert: one generator call, the name difference does not split the key
	f.tagger.AssertNumberOfCalls(t, "GenerateTags", 1)
	assert.Equal(t, cache.SourceGenerated, first.TagSource)
	assert.Equal(t, cache.SourceCache, second.TagSource)
	assert.ElementsMatch(t, []string{"executive"}, []string(bob.Tags))
}

func TestEnrich_PersistFailureMarksSessionFailed(t *testing.T) {
	// Setup
	f := newEnrichFixture(t)
	userID := uuid.New()
	c := locatedContact(userID)

	f.geocoder.On("Reverse", mock.Anything, mock.Anything, mock.Anything).
		Return(&geo.Address{DisplayName: "Berlin"}, nil)
	f.venues.On("Nearby", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.Wrap(errors.ErrUnavailable, "not configured"))
	f.tagger.On("EstimateCost", mock.Anything).Return(decimal.Zero)
	f.tagger.On("GenerateTags", mock.Anything, mock.Anything).
		Return(&ai.TagResult{Tags: []string{"executive"}}, ai.TokenUsage{}, nil)
	f.contacts.On("Update", mock.Anything, c).Return(errors.New("deadlock detected"))

	// Execute
	_, err := f.svc.Enrich(context.Background(), userID, c, Options{TrackSteps: true})

	// Assert
	require.Error(t, err)
	assert.Len(t, f.ledger.failed, 1)
	assert.Empty(t, f.ledger.finalized)
	f.embedder.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestEnrich_RejectsForeignContact(t *testing.T) {
	f := newEnrichFixture(t)
	c := locatedContact(uuid.New())

	_, err := f.svc.Enrich(context.Background(), uuid.New(), c, Options{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestMergeTags_Deduplicates(t *testing.T) {
	merged := mergeTags([]string{"executive", "finance"}, []string{"finance", "leadership"})
	assert.Equal(t, []string{"executive", "finance", "leadership"}, merged)
}

func TestRemoveFromIndex(t *testing.T) {
	f := newEnrichFixture(t)
	userID, contactID := uuid.New(), uuid.New()

	f.index.On("Delete", mock.Anything, userID, contactID).Return(nil)

	require.NoError(t, f.svc.RemoveFromIndex(context.Background(), userID, contactID))
	f.index.AssertExpectations(t)
}
