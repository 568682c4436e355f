package orchestration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fedresolve/pkg/caller"
	"github.com/Mindburn-Labs/fedresolve/pkg/chain"
	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/entity"
	"github.com/Mindburn-Labs/fedresolve/pkg/masking"
	"github.com/Mindburn-Labs/fedresolve/pkg/orchestration"
	"github.com/Mindburn-Labs/fedresolve/pkg/resolver"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
	"github.com/Mindburn-Labs/fedresolve/pkg/source/sourcetest"
	"github.com/Mindburn-Labs/fedresolve/pkg/store"
)

type fixture struct {
	a, b     *sourcetest.Fake
	receipts *store.MemoryReceiptStore
	svc      *orchestration.Service
}

func newFixture(t *testing.T, opts ...orchestration.Option) *fixture {
	t.Helper()
	f := &fixture{
		a: sourcetest.New("SourceA", []source.EntityType{source.EntityRisk, source.EntityCustomer}, map[source.EntityID]source.Payload{
			1: {"score": 700},
		}),
		b: sourcetest.New("SourceB", []source.EntityType{source.EntityRisk, source.EntityCustomer}, map[source.EntityID]source.Payload{
			1: {"score": 650, "flag": "pep"},
		}),
		receipts: store.NewMemoryReceiptStore(),
	}
	reg := source.NewRegistry()
	require.NoError(t, reg.Register(f.a.Descriptor(10), f.a))
	require.NoError(t, reg.Register(f.b.Descriptor(20), f.b))

	svc, err := orchestration.New(reg, nil, append([]orchestration.Option{orchestration.WithReceipts(f.receipts)}, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func conflictAware(role string) caller.Context {
	return caller.Context{Role: role, Mode: resolver.ModeAll, Strategy: conflict.HighestPriority}
}

func TestResolve_ConflictAwareRoundTrip(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, conflictAware("admin"))
	require.NoError(t, err)

	assert.Equal(t, source.Payload{"score": 700, "flag": "pep"}, got.Payload)
	assert.Equal(t, entity.Provenance{"score": {"SourceA"}, "flag": {"SourceB"}}, got.Provenance)
	assert.Equal(t, []string{"SourceA", "SourceB"}, got.Sources)
	assert.Empty(t, got.MaskedFields)
	assert.False(t, got.Defaulted)
}

func TestResolve_UserRoleHidesScore(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, conflictAware("user"))
	require.NoError(t, err)

	assert.NotContains(t, got.Payload, "score")
	assert.Contains(t, got.MaskedFields, "score")
	for _, field := range got.MaskedFields {
		assert.NotContains(t, got.Payload, field)
	}
}

func TestResolve_CustomPolicy(t *testing.T) {
	engine, err := masking.NewEngine(&masking.Policy{
		Roles: map[string]map[string]masking.Action{"user": {"score": masking.Hide}},
	})
	require.NoError(t, err)

	reg := source.NewRegistry()
	a := sourcetest.New("SourceA", []source.EntityType{source.EntityRisk}, map[source.EntityID]source.Payload{1: {"score": 700}})
	b := sourcetest.New("SourceB", []source.EntityType{source.EntityRisk}, map[source.EntityID]source.Payload{1: {"score": 650, "flag": "pep"}})
	require.NoError(t, reg.Register(a.Descriptor(10), a))
	require.NoError(t, reg.Register(b.Descriptor(20), b))
	svc, err := orchestration.New(reg, engine)
	require.NoError(t, err)

	got, err := svc.Resolve(context.Background(), source.EntityRisk, 1, conflictAware("user"))
	require.NoError(t, err)
	assert.Equal(t, source.Payload{"flag": "pep"}, got.Payload)
	assert.Equal(t, []string{"score"}, got.MaskedFields)
}

func TestResolve_FirstSuccessStopsAtFirstSource(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, caller.Context{Role: "admin"})
	require.NoError(t, err)

	assert.Equal(t, source.Payload{"score": 700}, got.Payload)
	assert.Equal(t, int64(1), f.a.FetchCalls())
	assert.Equal(t, int64(0), f.b.FetchCalls())
}

func TestResolve_FallsThroughUnavailableSource(t *testing.T) {
	f := newFixture(t)
	f.a.Available = false

	got, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, caller.Context{Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, source.Payload{"score": 650, "flag": "pep"}, got.Payload)
	assert.Equal(t, entity.Provenance{"score": {"SourceB"}, "flag": {"SourceB"}}, got.Provenance)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.Resolve(context.Background(), source.EntityCustomer, 999, caller.Context{Role: "user"})
	assert.Nil(t, got)
	assert.ErrorIs(t, err, orchestration.ErrNotFound)

	last, err := f.receipts.LastForEntity(context.Background(), source.EntityCustomer, 999)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, store.OutcomeNotFound, last.Outcome)
	assert.NotEmpty(t, last.RequestID)
}

func TestResolve_NoSourcesForType(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), source.EntityMarket, 1, caller.Context{})
	assert.ErrorIs(t, err, orchestration.ErrNotFound)
}

func TestResolve_StaticDefault(t *testing.T) {
	f := newFixture(t, orchestration.WithDefault(source.EntityCustomer, source.Payload{
		"segment": "unknown",
		"email":   "noreply@example.com",
	}))

	got, err := f.svc.Resolve(context.Background(), source.EntityCustomer, 999, caller.Context{Role: "user"})
	require.NoError(t, err)

	assert.True(t, got.Defaulted)
	assert.Equal(t, source.Payload{"segment": "unknown"}, got.Payload, "defaults are masked like any payload")
	assert.Equal(t, []string{"email"}, got.MaskedFields)
	assert.Equal(t, entity.Provenance{"segment": {entity.DefaultProvenance}}, got.Provenance)

	last, err := f.receipts.LastForEntity(context.Background(), source.EntityCustomer, 999)
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeDefaulted, last.Outcome)
}

func TestResolve_CallerCancellation(t *testing.T) {
	f := newFixture(t, orchestration.WithDefault(source.EntityRisk, source.Payload{"score": 0}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Resolve(ctx, source.EntityRisk, 1, caller.Context{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, orchestration.ErrNotFound)
}

func TestResolve_TimeoutFallsBackToDefault(t *testing.T) {
	f := newFixture(t, orchestration.WithDefault(source.EntityRisk, source.Payload{"segment": "pending"}))
	f.a.Delay = time.Second
	f.b.Delay = time.Second

	got, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, caller.Context{Role: "admin", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, got.Defaulted)
}

func TestResolve_InvalidChain(t *testing.T) {
	reg := source.NewRegistry()
	a := sourcetest.New("SourceA", []source.EntityType{source.EntityRisk}, nil)
	desc := a.Descriptor(10)
	desc.Fallback = "Ghost"
	require.NoError(t, reg.Register(desc, a))
	svc, err := orchestration.New(reg, nil)
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), source.EntityRisk, 1, caller.Context{})
	assert.ErrorIs(t, err, chain.ErrInvalidChain)
	var ice *chain.InvalidChainError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, "Ghost", ice.Target)
}

func TestResolve_ChainLinks(t *testing.T) {
	f := newFixture(t, orchestration.WithChainLinks(source.EntityRisk, chain.Link{From: "SourceB", To: "SourceA"}))

	c, err := f.svc.Chain(source.EntityRisk)
	require.NoError(t, err)
	assert.Equal(t, []string{"SourceB", "SourceA"}, c.Names())
}

type failingStore struct{ store.ReceiptStore }

func (failingStore) Store(context.Context, *store.Receipt) error { return errors.New("disk full") }

func TestResolve_ReceiptFailureDoesNotFailRequest(t *testing.T) {
	reg := source.NewRegistry()
	a := sourcetest.New("SourceA", []source.EntityType{source.EntityRisk}, map[source.EntityID]source.Payload{1: {"score": 700}})
	require.NoError(t, reg.Register(a.Descriptor(10), a))
	svc, err := orchestration.New(reg, nil, orchestration.WithReceipts(failingStore{}))
	require.NoError(t, err)

	got, err := svc.Resolve(context.Background(), source.EntityRisk, 1, caller.Context{Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 700, got.Payload["score"])
}

func TestResolve_ReceiptRecordsMaskingNotValues(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, conflictAware("user"))
	require.NoError(t, err)

	list, err := f.receipts.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	r := list[0]
	assert.Equal(t, store.OutcomeResolved, r.Outcome)
	assert.Equal(t, string(resolver.ModeAll), r.Mode)
	assert.Equal(t, string(conflict.HighestPriority), r.Strategy)
	assert.Equal(t, "user", r.Role)
	assert.Equal(t, []string{"SourceA", "SourceB"}, r.Sources)
	assert.Contains(t, r.MaskedFields, "score")
	assert.NotContains(t, r.Provenance, "score")
}

func TestChains(t *testing.T) {
	f := newFixture(t)
	chains, err := f.svc.Chains()
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, source.EntityCustomer, chains[0].EntityType)
	assert.Equal(t, source.EntityRisk, chains[1].EntityType)
	assert.Equal(t, []string{"SourceA", "SourceB"}, chains[1].Names())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.b.Available = false
	_, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, conflictAware("admin"))
	require.NoError(t, err)

	health := f.svc.Health(context.Background())
	require.Len(t, health, 2)
	assert.Equal(t, "SourceA", health[0].Name)
	assert.True(t, health[0].Available)
	assert.Equal(t, 10, health[0].Priority)
	assert.Equal(t, 1, health[0].SLO.ObservationCount)
	assert.Equal(t, "SourceB", health[1].Name)
	assert.False(t, health[1].Available)
	assert.Equal(t, 0, health[1].SLO.ObservationCount, "skipped sources are not SLO observations")
}

func TestResolve_Concurrent(t *testing.T) {
	f := newFixture(t)
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func(i int) {
			role := []string{"admin", "manager", "user"}[i%3]
			_, err := f.svc.Resolve(context.Background(), source.EntityRisk, 1, conflictAware(role))
			errs <- err
		}(i)
	}
	for i := 0; i < 32; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestNew_SealsRegistry(t *testing.T) {
	reg := source.NewRegistry()
	_, err := orchestration.New(reg, nil)
	require.NoError(t, err)

	late := sourcetest.New("Late", []source.EntityType{source.EntityRisk}, nil)
	assert.ErrorIs(t, reg.Register(late.Descriptor(1), late), source.ErrRegistrySealed)

	_, err = orchestration.New(nil, nil)
	assert.Error(t, err)
}
