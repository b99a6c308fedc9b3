package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-backend/internal/market"
	"ledger-backend/internal/rpc"
)

func wsURL(env *testEnv) string {
	return "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
}

func TestWebSocketRPC(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	creator, alice := newSigner(t), newSigner(t)

	events := make(chan rpc.EventView, 16)
	creatorClient, err := rpc.Dial(ctx, wsURL(env), creator,
		rpc.WithEventHandler(func(ev rpc.EventView) { events <- ev }))
	require.NoError(t, err)
	defer creatorClient.Close()

	aliceClient, err := rpc.Dial(ctx, wsURL(env), alice)
	require.NoError(t, err)
	defer aliceClient.Close()

	require.Eventually(t, func() bool { return env.server.wsHub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	m, err := creatorClient.CreateMarket(ctx, "Will it snow?", "", env.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, creator.Address().Hex(), m.Creator)

	id := env.ledger.LatestMarkets(1)[0]
	assert.Equal(t, id.Hex(), m.ID)

	pos, err := aliceClient.BuyShares(ctx, id, true, uint256.NewInt(250))
	require.NoError(t, err)
	assert.Equal(t, "250", pos.YesShares)

	_, err = aliceClient.BuyShares(ctx, id, true, uint256.NewInt(0))
	assert.ErrorIs(t, err, market.ErrInvalidAmount)

	count, err := aliceClient.MarketCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ids, err := aliceClient.LatestMarkets(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id.Hex()}, []string{ids[0].Hex()})

	prob, err := aliceClient.YesProbability(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), prob)

	pool, err := aliceClient.TotalPool(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), pool.Uint64())

	_, err = creatorClient.Resolve(ctx, id, market.OutcomeYes)
	assert.ErrorIs(t, err, market.ErrNotYetDue)

	env.clock.Advance(2 * time.Hour)

	_, err = aliceClient.Resolve(ctx, id, market.OutcomeYes)
	assert.ErrorIs(t, err, market.ErrUnauthorized)

	info, err := creatorClient.Resolve(ctx, id, market.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, "YES", info.Outcome)

	payout, err := aliceClient.Claim(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), payout.Uint64())

	_, err = aliceClient.Claim(ctx, id)
	assert.ErrorIs(t, err, market.ErrNothingToClaim)

	view, err := aliceClient.UserPosition(ctx, id, alice.Address())
	require.NoError(t, err)
	assert.Equal(t, "0", view.YesShares)
	assert.Equal(t, "250", view.Claimed)

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 4 {
		select {
		case ev := <-events:
			assert.Equal(t, id.Hex(), ev.MarketID)
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("received only %v", kinds)
		}
	}
	assert.Equal(t, []string{"created", "purchase", "resolved", "claimed"}, kinds)
}

func TestWebSocketReadOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := rpc.Dial(ctx, wsURL(env), nil)
	require.NoError(t, err)
	defer client.Close()

	count, err := client.MarketCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = client.CreateMarket(ctx, "Q?", "", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, market.ErrUnauthorized)

	_, err = client.MarketInfo(ctx, factory)
	assert.ErrorIs(t, err, market.ErrMarketNotFound)
}

func TestWebSocketRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, nil)

	header := http.Header{}
	header.Set("X-Account", newSigner(t).Address().Hex())
	header.Set("X-Timestamp", "1")
	header.Set("X-Signature", "0x00")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketMalformedRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":7,"method":"selfDestruct"}`)))

	codes := map[int64]int{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(codes) < 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		resp, note, err := rpc.ParseMessage(data)
		require.NoError(t, err)
		if note != nil {
			continue
		}
		require.NotNil(t, resp.Error)
		codes[resp.ID] = resp.Error.Code
	}
	assert.Equal(t, rpc.CodeParse, codes[0])
	assert.Equal(t, rpc.CodeMethodNotFound, codes[7])
}
