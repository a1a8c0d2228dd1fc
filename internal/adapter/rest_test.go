package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltahedge/hedger/internal/signer"
)

var testHeaders = signer.HeaderNames{Key: "X-Key", Timestamp: "X-Ts", Signature: "X-Sig"}

func TestRESTClient_SignedGetWithQuery(t *testing.T) {
	var gotQuery, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotSig = r.Header.Get("X-Sig")
		w.Write([]byte(`{"value":"1.25"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTConfig{Exchange: ExchangePacifica, BaseURL: srv.URL, SignQuery: true})
	c.SetSigner(signer.NewHMAC("k", "s", testHeaders))

	var out struct {
		Value Float `json:"value"`
	}
	err := c.Do(context.Background(), Request{
		Op: "probe", Method: http.MethodGet, Path: "/probe",
		Query: map[string]any{"b": "2", "a": 1}, Signed: true,
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "a=1&b=2", gotQuery)
	assert.NotEmpty(t, gotSig)
	assert.InDelta(t, 1.25, float64(out.Value), 1e-12)
}

func TestRESTClient_BodyIsTheSignedBytes(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRESTClient(RESTConfig{Exchange: ExchangeLighter, BaseURL: srv.URL})
	c.SetSigner(signer.NewHMAC("k", "s", testHeaders))

	err := c.Do(context.Background(), Request{
		Op: "order", Method: http.MethodPost, Path: "/orders",
		Body: map[string]any{"size": JSONDecimal(0.1), "market": "BTC-PERP"}, Signed: true,
	}, nil)
	require.NoError(t, err)

	want, err := signer.CompactJSON(map[string]any{"size": JSONDecimal(0.1), "market": "BTC-PERP"})
	require.NoError(t, err)
	assert.Equal(t, string(want), gotBody)
	assert.Equal(t, `{"market":"BTC-PERP","size":0.1}`, gotBody)
}

func TestRESTClient_ExchangeErrorCarriesStatusAndMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"insufficient balance"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTConfig{Exchange: ExchangeLighter, BaseURL: srv.URL})
	err := c.Do(context.Background(), Request{Op: "order", Method: http.MethodGet, Path: "/x"}, nil)

	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindExchange, ae.Kind)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestRESTClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewRESTClient(RESTConfig{Exchange: ExchangePacifica, BaseURL: url})
	err := c.Do(context.Background(), Request{Op: "probe", Method: http.MethodGet, Path: "/x"}, nil)
	assert.True(t, IsKind(err, KindNetwork), "got %v", err)
}

func TestRESTClient_SignedWithoutSigner(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	c := NewRESTClient(RESTConfig{Exchange: ExchangePacifica, BaseURL: srv.URL})
	err := c.Do(context.Background(), Request{Op: "probe", Method: http.MethodGet, Path: "/x", Signed: true}, nil)

	assert.True(t, IsKind(err, KindSigning))
	assert.ErrorIs(t, err, signer.ErrSecretMissing)
	assert.Zero(t, hits)
}

func TestRESTClient_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := NewRESTClient(RESTConfig{Exchange: ExchangePacifica, BaseURL: srv.URL})
	var out map[string]any
	err := c.Do(context.Background(), Request{Op: "probe", Method: http.MethodGet, Path: "/x"}, &out)
	assert.True(t, IsKind(err, KindExchange))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad", errorMessage([]byte(`{"error":"bad"}`), "400"))
	assert.Equal(t, `{"code":3}`, errorMessage([]byte(`{"error":{"code":3}}`), "400"))
	assert.Equal(t, "nope", errorMessage([]byte(`{"message":"nope"}`), "400"))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text"), "400"))
	assert.Equal(t, "502 Bad Gateway", errorMessage(nil, "502 Bad Gateway"))
}
