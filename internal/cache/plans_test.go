package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/store"
)

type memKV struct {
	data    map[string][]byte
	gets    int
	failGet bool
}

func (m *memKV) Get(_ context.Context, key string, dest interface{}) error {
	m.gets++
	if m.failGet {
		return errors.New("connection reset")
	}
	b, ok := m.data[key]
	if !ok {
		return ErrMiss
	}
	return json.Unmarshal(b, dest)
}

func (m *memKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func (m *memKV) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func TestPlansReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	kv := &memKV{data: map[string][]byte{}}
	plans := NewPlans(mem, kv, time.Minute, zap.NewNop())

	starter := models.DefaultPlans()[0]
	require.NoError(t, plans.CreatePlan(ctx, &starter))

	got, err := plans.ListPlans(ctx, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, kv.data, offeredPlansKey)

	// Written behind the cache's back: still served from cache.
	pro := models.DefaultPlans()[1]
	require.NoError(t, mem.CreatePlan(ctx, &pro))
	got, err = plans.ListPlans(ctx, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	starter.Archived = true
	require.NoError(t, plans.UpdatePlan(ctx, &starter))
	assert.NotContains(t, kv.data, offeredPlansKey)

	got, err = plans.ListPlans(ctx, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Professional", got[0].Name)

	all, err := plans.ListPlans(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPlansFallsBackWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	starter := models.DefaultPlans()[0]
	require.NoError(t, mem.CreatePlan(ctx, &starter))

	plans := NewPlans(mem, &memKV{data: map[string][]byte{}, failGet: true}, time.Minute, zap.NewNop())
	got, err := plans.ListPlans(ctx, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
