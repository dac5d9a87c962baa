package tncs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/aggregator"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/attrstore"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/batch"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/messagetype"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginhost"
)

func newTestEngine(t *testing.T, numIMVs int, policy aggregator.Policy) (*Engine, *[]byte) {
	t.Helper()
	host := pluginhost.New(pluginhost.SideIMV, nil)
	var flushed []byte
	engine := New(host, attrstore.New(), policy, numIMVs, func(ctx context.Context, connID int, wire []byte) error {
		flushed = wire
		return nil
	})
	return engine, &flushed
}

func TestReceiveBatchContinuesHandshakeWhenNoRecommendationYet(t *testing.T) {
	engine, flushed := newTestEngine(t, 2, aggregator.PolicyAll)
	connID := engine.NewConnection(context.Background(), nil)

	incoming := batch.New(1, batch.RecipientTNCS)
	incoming.AddIMCIMV(messagetype.Type{Vendor: 0, Subtype: 1}, []byte("posture"))
	wire, err := incoming.Encode()
	require.NoError(t, err)

	require.NoError(t, engine.ReceiveBatch(context.Background(), connID, wire))
	conn := engine.Connection(connID)
	require.NotNil(t, conn)
	assert.False(t, conn.Final)
	assert.Contains(t, string(*flushed), `BatchId="2"`)
	assert.NotContains(t, string(*flushed), "TNCCS-Recommendation")
}

func TestReceiveBatchForcesRecommendationWhenNoExchangeOccurred(t *testing.T) {
	engine, flushed := newTestEngine(t, 1, aggregator.PolicyAll)
	connID := engine.NewConnection(context.Background(), nil)
	conn := engine.Connection(connID)

	// wire an IMV whose SolicitRecommendation immediately casts a vote.
	p := &pluginhost.Plugin{Name: "imv"}
	p.SolicitRecommendation = func(id, connID uint32) error {
		conn.Aggregator.Provide(int(id), aggregator.Allow, 0)
		return nil
	}
	idInTable, err := engine.Host.Register(p)
	require.NoError(t, err)
	assert.Equal(t, 0, idInTable)

	incoming := batch.New(1, batch.RecipientTNCS) // no IMC-IMV children at all
	wire, err := incoming.Encode()
	require.NoError(t, err)

	require.NoError(t, engine.ReceiveBatch(context.Background(), connID, wire))
	assert.True(t, conn.Final)
	assert.Contains(t, string(*flushed), "TNCCS-Recommendation")
	assert.Contains(t, string(*flushed), `type="allow"`)
}

func TestFinalizeIncludesReasonStringsAndContactInfoWhenSet(t *testing.T) {
	engine, flushed := newTestEngine(t, 1, aggregator.PolicyAll)
	connID := engine.NewConnection(context.Background(), nil)
	conn := engine.Connection(connID)

	require.NoError(t, engine.Attrs.Set(attrstore.ReasonString, []byte("patch missing")))
	require.NoError(t, engine.Attrs.Set(attrstore.ReasonLanguage, []byte("en")))
	require.NoError(t, engine.Attrs.Set(attrstore.ContactAddress, []byte("10.0.0.1")))
	require.NoError(t, engine.Attrs.Set(attrstore.ContactPort, []byte("271")))

	conn.Aggregator.Provide(0, aggregator.Isolate, 0)

	incoming := batch.New(1, batch.RecipientTNCS)
	wire, err := incoming.Encode()
	require.NoError(t, err)

	require.NoError(t, engine.ReceiveBatch(context.Background(), connID, wire))
	assert.Contains(t, string(*flushed), "patch missing")
	assert.Contains(t, string(*flushed), `address="10.0.0.1"`)
}

func TestPreferredLanguageControlMessageSetsAttribute(t *testing.T) {
	engine, _ := newTestEngine(t, 1, aggregator.PolicyAll)
	connID := engine.NewConnection(context.Background(), nil)

	incoming := batch.New(1, batch.RecipientTNCS)
	incoming.Add(batch.PreferredLanguageMessage{Language: "fr"})
	wire, err := incoming.Encode()
	require.NoError(t, err)

	// Avoid finalizing so the aggregator's zero-vote state doesn't matter:
	// a lone IMV never votes here, and the "no exchange occurred" branch
	// will force a solicit that also won't vote, so keep numIMVs at 0 to
	// guarantee the aggregator can never finalize.
	engine.NumIMVs = 0
	conn := engine.Connection(connID)
	conn.Aggregator = newNonFinalizingAggregator()

	require.NoError(t, engine.ReceiveBatch(context.Background(), connID, wire))

	lang, err := engine.Attrs.Get(attrstore.PreferredLanguage)
	require.NoError(t, err)
	assert.Equal(t, "fr", string(lang))
}

func newNonFinalizingAggregator() *aggregator.Aggregator {
	return aggregator.New(aggregator.PolicyAll, 0)
}
