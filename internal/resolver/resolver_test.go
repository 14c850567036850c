package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hypertekorg/hyperstack/internal/bytecode"
	"github.com/hypertekorg/hyperstack/internal/ir"
)

func TestResolveURLExtractsFieldFromResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price":{"usd":42.5}}`))
	}))
	defer srv.Close()

	p := New(Config{Concurrency: 2, Timeout: time.Second, SweepCron: "@every 1h"}, nil, nil, nil)
	req := Request{
		Entity: "Feed", Key: "BTC", FieldID: 1, Field: "price",
		Spec: bytecode.ResolverSpec{Kind: ir.ResolveURL, URLTemplate: srv.URL + "/price", Extract: "price.usd"},
	}
	p.Submit(context.Background(), req)

	select {
	case res := <-p.Results():
		require.Equal(t, OutcomeOK, res.Outcome)
		require.NoError(t, res.Err)
		require.EqualValues(t, 42.5, res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestResolveURLMissingFieldIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := New(Config{Concurrency: 1, Timeout: time.Second, SweepCron: "@every 1h"}, nil, nil, nil)
	req := Request{
		Entity: "Feed", Key: "BTC",
		Spec: bytecode.ResolverSpec{Kind: ir.ResolveURL, URLTemplate: srv.URL, Extract: "missing"},
	}
	p.Submit(context.Background(), req)

	select {
	case res := <-p.Results():
		require.Equal(t, OutcomeError, res.Outcome)
		require.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestResolveAddressUsesFetcherAndJSONPath(t *testing.T) {
	fetcher := AddressFetcherFunc(func(ctx context.Context, kind string, address any) ([]byte, error) {
		require.Equal(t, "metadata", kind)
		require.Equal(t, "addr1", address)
		return []byte(`{"name":"Token"}`), nil
	})
	p := New(Config{Concurrency: 1, Timeout: time.Second, SweepCron: "@every 1h"}, fetcher, nil, nil)
	req := Request{
		Entity: "Token", Key: "addr1", Input: "addr1",
		Spec: bytecode.ResolverSpec{Kind: ir.ResolveAddress, ResolverName: "metadata", Extract: "$.name"},
	}
	p.Submit(context.Background(), req)

	select {
	case res := <-p.Results():
		require.Equal(t, OutcomeOK, res.Outcome)
		require.Equal(t, "Token", res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestResolveAddressWithoutFetcherIsRejected(t *testing.T) {
	p := New(Config{Concurrency: 1, Timeout: time.Second, SweepCron: "@every 1h"}, nil, nil, nil)
	req := Request{Spec: bytecode.ResolverSpec{Kind: ir.ResolveAddress, ResolverName: "metadata"}}
	p.Submit(context.Background(), req)

	select {
	case res := <-p.Results():
		require.Equal(t, OutcomeError, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSweepExpiredInjectsTimeoutResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := New(Config{Concurrency: 1, Timeout: 30 * time.Millisecond, SweepCron: "@every 20ms"}, nil, nil, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	req := Request{Entity: "Feed", Key: "BTC", Spec: bytecode.ResolverSpec{Kind: ir.ResolveURL, URLTemplate: srv.URL}}
	p.Submit(context.Background(), req)

	select {
	case res := <-p.Results():
		require.Equal(t, OutcomeTimeout, res.Outcome)
		require.Nil(t, res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sweep to deliver timeout result")
	}
}
