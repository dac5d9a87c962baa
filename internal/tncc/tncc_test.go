package tncc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/batch"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginhost"
)

func TestBeginSessionFlushesOpeningBatch(t *testing.T) {
	host := pluginhost.New(pluginhost.SideIMC, nil)
	var flushed []byte
	engine := New(host, func(ctx context.Context, connID int, wire []byte) error {
		flushed = wire
		return nil
	})

	connID, err := engine.BeginSession(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, flushed)
	assert.Contains(t, string(flushed), `BatchId="1"`)
	assert.Contains(t, string(flushed), `Recipient="TNCS"`)

	conn := engine.Connection(connID)
	require.NotNil(t, conn)
	assert.Nil(t, conn.Outgoing, "outgoing batch is freed once flushed")
}

func TestReceiveBatchIncrementsBatchID(t *testing.T) {
	host := pluginhost.New(pluginhost.SideIMC, nil)

	var flushed []byte
	engine := New(host, func(ctx context.Context, connID int, wire []byte) error {
		flushed = wire
		return nil
	})
	connID, _ := engine.BeginSession(context.Background(), nil)

	incoming := batch.New(5, batch.RecipientTNCC)
	incoming.AddIMCIMV(messagetype.Type{Vendor: 0, Subtype: 7}, []byte("evidence"))
	wire, err := incoming.Encode()
	require.NoError(t, err)

	require.NoError(t, engine.ReceiveBatch(context.Background(), connID, wire))
	require.NotNil(t, flushed)
	assert.Contains(t, string(flushed), `BatchId="6"`)
}

func TestReceiveBatchRecommendationFinalizesAndSuppressesFlush(t *testing.T) {
	host := pluginhost.New(pluginhost.SideIMC, nil)
	sessionBegun := false
	engine := New(host, func(ctx context.Context, connID int, wire []byte) error {
		// BeginSession legitimately flushes the opening batch; only a
		// flush after that point would be a reply.
		if sessionBegun {
			t.Fatal("reply must not be flushed once a final recommendation arrives")
		}
		return nil
	})
	connID, _ := engine.BeginSession(context.Background(), nil)
	sessionBegun = true

	incoming := batch.New(2, batch.RecipientTNCC)
	incoming.Add(batch.RecommendationMessage{Type: batch.RecAllow})
	wire, err := incoming.Encode()
	require.NoError(t, err)

	require.NoError(t, engine.ReceiveBatch(context.Background(), connID, wire))

	conn := engine.Connection(connID)
	require.NotNil(t, conn)
	assert.True(t, conn.Final)
	assert.Equal(t, AccessAllowed, conn.Access)
	assert.Nil(t, conn.Outgoing)
}

func TestReceiveBatchRejectsWrongRecipient(t *testing.T) {
	host := pluginhost.New(pluginhost.SideIMC, nil)
	engine := New(host, nil)
	connID, _ := engine.BeginSession(context.Background(), nil)

	wrong := batch.New(1, batch.RecipientTNCS)
	wire, err := wrong.Encode()
	require.NoError(t, err)

	err = engine.ReceiveBatch(context.Background(), connID, wire)
	require.Error(t, err)
}
