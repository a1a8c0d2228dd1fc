package lighter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
)

const testSecret = "lighter-secret"

type fakeExchange struct {
	hits       atomic.Int32
	unsigned   atomic.Int32
	mu         sync.Mutex
	rejectAuth bool
	failOrders bool
	bodies     map[string]map[string]any
	queries    map[string]string
}

func newFakeExchange(t *testing.T) (*fakeExchange, *httptest.Server) {
	t.Helper()
	f := &fakeExchange{bodies: map[string]map[string]any{}, queries: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	key := r.Method + " " + r.URL.Path
	raw, _ := io.ReadAll(r.Body)

	if r.URL.Path != pathSummary {
		body := ""
		if r.Method != http.MethodGet {
			body = string(raw)
		}
		want := sign(r.Header.Get("X-Timestamp"), r.Method, r.URL.Path, body)
		if !hmac.Equal([]byte(want), []byte(r.Header.Get("X-Signature"))) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"signature mismatch"}`))
			return
		}
	} else if r.Header.Get("X-Signature") == "" {
		f.unsigned.Add(1)
	}

	f.mu.Lock()
	f.queries[key] = r.URL.RawQuery
	if len(raw) > 0 {
		var body map[string]any
		json.Unmarshal(raw, &body)
		f.bodies[key] = body
	}
	reject, failOrders := f.rejectAuth, f.failOrders
	f.mu.Unlock()

	switch key {
	case "GET " + pathSummary:
		w.Write([]byte(`{"mark_price":"64190.1"}`))
	case "GET " + pathCollateral:
		if reject {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"unknown api key"}`))
			return
		}
		w.Write([]byte(`{"balance":"980.5","leverage":"3"}`))
	case "GET " + pathPositions:
		w.Write([]byte(`{"size":"0.5","side":"B","entry_price":"64100","unrealised_pnl":"45"}`))
	case "GET " + pathOrders:
		w.Write([]byte(`[
			{"order_id":901,"status":"OPEN","type":"L","side":"S","size":"0.3","filled_size":"0","price":"64500","created_at":1700000002}, 
			{"order_id":902,"status":"FILLED","type":"M","side":"B","size":"1","filled_size":"1","price":"0","created_at":1700000003}
		]`))
	case "POST " + pathOrders:
		if failOrders {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"insufficient margin"}`))
			return
		}
		w.Write([]byte(`{"order_id":903}`))
	case "POST " + pathCollateral, "DELETE " + pathOrders, "DELETE " + pathOrdersAll:
		w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeExchange) body(key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func (f *fakeExchange) query(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[key]
}

func testAdapter(url string, pub adapter.Publisher) *Adapter {
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.PollInterval = time.Hour
	cfg.RepollDelay = 10 * time.Millisecond
	return New(cfg, pub, zap.NewNop())
}

func creds() adapter.Credentials {
	return adapter.Credentials{
		APIKey:    "lk_live_abc",
		APISecret: testSecret,
		AccountID: 4821,
		L1Address: "0x52908400098527886e0f7030069857d2e4169ee7",
	}
}

func TestConnect_Success(t *testing.T) {
	f, srv := newFakeExchange(t)
	a := testAdapter(srv.URL, nil)

	require.NoError(t, a.Connect(context.Background(), creds()))
	assert.True(t, a.Connected())
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", a.L1Address())
	assert.Equal(t, "account_id=4821&token=USDT", f.query("GET "+pathCollateral))
}

func TestConnect_MissingAccountID(t *testing.T) {
	f, srv := newFakeExchange(t)
	bus := adapter.NewBus(8)
	logs := bus.Subscribe(adapter.EventLog)
	a := testAdapter(srv.URL, bus)

	c := creds()
	c.AccountID = 0
	err := a.Connect(context.Background(), c)

	var ae *adapter.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, adapter.KindAuthentication, ae.Kind)
	assert.ErrorIs(t, err, adapter.ErrMissingCredential)
	assert.False(t, a.Connected())
	assert.Zero(t, f.hits.Load(), "no request may reach the exchange")

	require.NotEmpty(t, logs)
	ev := <-logs
	assert.Equal(t, adapter.LevelError, ev.Log.Level)
	assert.Contains(t, ev.Log.Message, "account id")
}

func TestConnect_InvalidL1Address(t *testing.T) {
	f, srv := newFakeExchange(t)
	a := testAdapter(srv.URL, nil)

	for _, addr := range []string{"", "0x1234", "52908400098527886e0f7030069857d2e4169eeZ"} {
		c := creds()
		c.L1Address = addr
		err := a.Connect(context.Background(), c)
		assert.True(t, adapter.IsKind(err, adapter.KindAuthentication), "addr %q", addr)
	}
	assert.Zero(t, f.hits.Load())
}

func TestConnect_Rejected(t *testing.T) {
	f, srv := newFakeExchange(t)
	f.mu.Lock()
	f.rejectAuth = true
	f.mu.Unlock()
	a := testAdapter(srv.URL, nil)

	err := a.Connect(context.Background(), creds())
	assert.True(t, adapter.IsKind(err, adapter.KindAuthentication))
	assert.ErrorIs(t, err, adapter.ErrRejected)
	assert.Contains(t, err.Error(), "unknown api key")
	assert.False(t, a.Connected())
}

func TestConnect_WrongSecret(t *testing.T) {
	_, srv := newFakeExchange(t)
	a := testAdapter(srv.URL, nil)

	c := creds()
	c.APISecret = "other"
	err := a.Connect(context.Background(), c)
	assert.ErrorIs(t, err, adapter.ErrRejected)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestStreaming_PublishesSnapshot(t *testing.T) {
	f, srv := newFakeExchange(t)
	bus := adapter.NewBus(32)
	events := bus.Subscribe(adapter.EventPrice, adapter.EventAccountState, adapter.EventOpenOrders)
	a := testAdapter(srv.URL, bus)
	require.NoError(t, a.Connect(context.Background(), creds()))

	require.NoError(t, a.StartStreaming(context.Background(), adapter.SymbolBTC))
	defer a.StopStreaming()

	price := <-events
	assert.InDelta(t, 64190.1, price.Price.Price, 1e-9)
	assert.Equal(t, adapter.ExchangeLighter, price.Exchange)
	assert.Equal(t, int32(1), f.unsigned.Load(), "price endpoint is public")

	state := <-events
	require.Equal(t, adapter.EventAccountState, state.Kind)
	assert.Equal(t, adapter.DirectionLong, state.State.Position.Direction)
	assert.InDelta(t, 0.5, state.State.Position.Quantity, 1e-12)
	assert.InDelta(t, 45, state.State.PnL, 1e-12)
	assert.InDelta(t, 980.5, state.State.Balance, 1e-9)
	assert.Equal(t, 3, state.State.Leverage)
	assert.Equal(t, "USDT", state.State.Currency)

	orders := <-events
	require.Len(t, orders.Orders, 1, "only OPEN orders are kept")
	o := orders.Orders[0]
	assert.Equal(t, "901", o.ID)
	assert.Equal(t, adapter.OrderTypeLimit, o.Type)
	assert.Equal(t, adapter.DirectionShort, o.Direction)
	assert.Equal(t, int64(1700000002), o.Timestamp.Unix())
}

func TestTranslatePosition_EmptyObjectIsFlat(t *testing.T) {
	var raw rawPosition
	require.NoError(t, json.Unmarshal([]byte(`{}`), &raw))
	pos, pnl := translatePosition(raw)
	assert.Equal(t, adapter.DirectionNone, pos.Direction)
	assert.Zero(t, pos.Quantity)
	assert.Zero(t, pnl)
}

func TestCreateOrder_Body(t *testing.T) {
	f, srv := newFakeExchange(t)
	a := testAdapter(srv.URL, nil)
	require.NoError(t, a.Connect(context.Background(), creds()))

	require.NoError(t, a.CreateOrder(context.Background(), adapter.OrderRequest{
		Symbol: adapter.SymbolETH, Type: adapter.OrderTypeLimit,
		Direction: adapter.DirectionLong, Quantity: 0.3, Price: 3120.5,
	}))
	body := f.body("POST " + pathOrders)
	assert.Equal(t, map[string]any{
		"account_id": "4821",
		"market":     "ETH-PERP",
		"side":       "B",
		"type":       "L",
		"size":       "0.3",
		"price":      "3120.5",
	}, body)

	require.NoError(t, a.CreateOrder(context.Background(), adapter.OrderRequest{
		Symbol: adapter.SymbolETH, Type: adapter.OrderTypeMarket,
		Direction: adapter.DirectionShort, Quantity: 1,
	}))
	body = f.body("POST " + pathOrders)
	assert.Equal(t, "S", body["side"])
	assert.Equal(t, "M", body["type"])
	assert.NotContains(t, body, "price")
}

func TestCreateOrder_ExchangeErrorIsReturned(t *testing.T) {
	f, srv := newFakeExchange(t)
	a := testAdapter(srv.URL, nil)
	require.NoError(t, a.Connect(context.Background(), creds()))
	f.mu.Lock()
	f.failOrders = true
	f.mu.Unlock()

	err := a.CreateOrder(context.Background(), adapter.OrderRequest{
		Symbol: adapter.SymbolBTC, Type: adapter.OrderTypeMarket, Direction: adapter.DirectionLong, Quantity: 1,
	})
	var ae *adapter.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, adapter.KindExchange, ae.Kind)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.True(t, a.Connected(), "an exchange error does not disconnect")
}

func TestLeverageAndCancel(t *testing.T) {
	f, srv := newFakeExchange(t)
	a := testAdapter(srv.URL, nil)
	require.NoError(t, a.Connect(context.Background(), creds()))
	ctx := context.Background()

	require.NoError(t, a.SetLeverage(ctx, adapter.SymbolBTC, 7))
	assert.Equal(t, map[string]any{"account_id": "4821", "token": "USDT", "leverage": "7"}, f.body("POST "+pathCollateral))

	require.NoError(t, a.CancelOrder(ctx, adapter.SymbolBTC, "901"))
	assert.Equal(t, float64(901), f.body("DELETE "+pathOrders)["order_id"])

	require.NoError(t, a.CancelAllOrders(ctx, adapter.SymbolBTC))
	assert.Equal(t, map[string]any{"account_id": "4821", "market": "BTC-PERP"}, f.body("DELETE "+pathOrdersAll))

	assert.ErrorIs(t, a.SetLeverage(ctx, adapter.SymbolBTC, 0), adapter.ErrInvalidLeverage)
}
