package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalService_PublishSubscribe(t *testing.T) {
	svc := NewLocalService()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	received := make(chan string, 1)
	sub := svc.Subscribe(ctx, nil, func(channel, payload string) {
		received <- payload
	}, RoomChannel("lobby"))
	require.NotNil(t, sub)

	require.NoError(t, svc.Publish(ctx, RoomChannel("lobby"), map[string]string{"action": "sync"}))

	select {
	case p := <-received:
		assert.JSONEq(t, `{"action":"sync"}`, p)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestLocalService_ChannelFiltering(t *testing.T) {
	svc := NewLocalService()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	received := make(chan string, 2)
	sub := svc.Subscribe(ctx, nil, func(channel, payload string) {
		received <- channel
	}, AnnouncementChannel)
	require.NotNil(t, sub)

	require.NoError(t, svc.Publish(ctx, RoomChannel("elsewhere"), "ignored"))
	require.NoError(t, svc.Publish(ctx, AnnouncementChannel, "hello"))

	select {
	case ch := <-received:
		assert.Equal(t, AnnouncementChannel, ch)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for announcement")
	}
	select {
	case ch := <-received:
		t.Fatalf("unexpected delivery on %s", ch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalService_AddChannel(t *testing.T) {
	svc := NewLocalService()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	received := make(chan string, 1)
	sub := svc.Subscribe(ctx, nil, func(channel, payload string) {
		received <- channel
	}, AnnouncementChannel)
	require.NotNil(t, sub)

	require.NoError(t, sub.AddChannel(ctx, RoomChannel("late")))
	require.NoError(t, sub.AddChannel(ctx, RoomChannel("late")))

	require.NoError(t, svc.Publish(ctx, RoomChannel("late"), "hello"))

	select {
	case ch := <-received:
		assert.Equal(t, RoomChannel("late"), ch)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message on added channel")
	}
}

func TestLocalService_PreservesOrder(t *testing.T) {
	svc := NewLocalService()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	var mu sync.Mutex
	var got []string
	sub := svc.Subscribe(ctx, nil, func(channel, payload string) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	}, RoomChannel("ordered"))
	require.NotNil(t, sub)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, svc.Publish(ctx, RoomChannel("ordered"), p))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestLocalService_KeyOperations(t *testing.T) {
	svc := NewLocalService()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := RoomSyncKey("local-keys")

	val, err := svc.GetKey(ctx, key)
	assert.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, svc.SetKey(ctx, key, []byte(`{"name":"local-keys"}`)))
	val, err = svc.GetKey(ctx, key)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"name":"local-keys"}`, string(val))

	require.NoError(t, svc.DelKey(ctx, key))
	val, err = svc.GetKey(ctx, key)
	assert.NoError(t, err)
	assert.Nil(t, val)
}

func TestLocalService_UnsubscribeStopsDelivery(t *testing.T) {
	svc := NewLocalService()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	received := make(chan string, 1)
	sub := svc.Subscribe(ctx, nil, func(channel, payload string) {
		received <- payload
	}, RoomChannel("quiet"))
	require.NotNil(t, sub)
	require.NoError(t, sub.Close())

	require.NoError(t, svc.Publish(ctx, RoomChannel("quiet"), "dropped"))

	select {
	case p := <-received:
		t.Fatalf("delivery after close: %s", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalService_CloseAndHealth(t *testing.T) {
	svc := NewLocalService()
	ctx := context.Background()

	// No Redis client underneath, but always reachable
	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(ctx))

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	// Publishing after close drops without error
	assert.NoError(t, svc.Publish(ctx, RoomChannel("x"), "late"))
}
