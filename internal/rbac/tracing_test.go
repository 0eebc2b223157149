package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(span.Attributes()))
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestEngineEmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, client := newTestRedis(t)
	dir := newFakeDirectory()
	dir.set("u1", "o1", RoleMember)
	resources := &fakeResources{owners: map[string]string{ResourceFeedback + "/fb-1": "u1"}}
	engine := NewEngine(EngineConfig{
		Directory:      dir,
		Resources:      resources,
		Cache:          NewPermissionCache(client, 0, nil),
		TracerProvider: tp,
	})
	ctx := context.Background()

	engine.GetUserPermissions(ctx, "u1", "o1")
	engine.GetUserPermissions(ctx, "u1", "o1")
	assert.True(t, engine.IsResourceOwner(ctx, "u1", ResourceFeedback, "fb-1"))

	spans := sr.Ended()
	require.Len(t, spans, 3)

	miss, hit, owner := spans[0], spans[1], spans[2]
	for _, span := range []sdktrace.ReadOnlySpan{miss, hit} {
		assert.Equal(t, "rbac.GetUserPermissions", span.Name())
		attrs := spanAttrs(span)
		assert.Equal(t, "u1", attrs["user.id"].AsString())
		assert.Equal(t, "o1", attrs["org.id"].AsString())
	}
	_, cached := spanAttrs(miss)["cache.hit"]
	assert.False(t, cached)
	assert.True(t, spanAttrs(hit)["cache.hit"].AsBool())

	assert.Equal(t, "rbac.IsResourceOwner", owner.Name())
	attrs := spanAttrs(owner)
	assert.Equal(t, ResourceFeedback, attrs["resource.type"].AsString())
	assert.Equal(t, "fb-1", attrs["resource.id"].AsString())
	assert.Equal(t, "github.com/feedlane/feedlane/internal/rbac", owner.InstrumentationScope().Name)
}
