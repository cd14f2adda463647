package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/ingest"
	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/metrics"
	"github.com/lvdashuaibi/ticketsync/internal/model"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
	"github.com/lvdashuaibi/ticketsync/internal/service"
)

const holder = "0x0000000000000000000000000000000000000abc"

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func newTestServer(t *testing.T, health HealthCheck) (*Server, *prometheus.Registry) {
	t.Helper()
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	repo := repository.NewMemoryRepository()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	engine := ingest.NewEngine(repo, l, ingest.WithMetrics(m))
	price, _ := new(big.Int).SetString("10000000000000000", 10)
	for _, ev := range []*model.LedgerEvent{
		{Kind: model.KindEventCreated, EventID: 0, Account: holder, Name: "Concert"},
		{Kind: model.KindTicketTypeCreated, EventID: 0, TokenID: 0, Price: price, MaxSupply: 100, Name: "VIP"},
		{Kind: model.KindTicketPurchased, EventID: 0, TokenID: 0, Account: holder, Amount: 3, Price: price},
	} {
		engine.Handle(ctx, l.Record(ev))
	}

	cfg := &config.Config{GraphQL: config.GraphQLConfig{Path: "/graphql"}}
	svc := service.NewQueryService(repo, l, nil, nil, m, zap.NewNop(), time.Second)
	srv, err := NewServer(cfg, svc, reg, health, zap.NewNop())
	require.NoError(t, err)
	return srv, reg
}

func query(t *testing.T, srv *Server, q string) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]string{"query": q})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gqlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestQueryEventAndTicketType(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := query(t, srv, `{
		event(eventId: "0") { eventId totalTicketsSold revenue ticketTypes { tokenId currentSupply } }
		ticketType(tokenId: "0") { maxSupply currentSupply remainingSupply revenue price }
	}`)
	require.Empty(t, resp.Errors)

	var ev struct {
		EventID          string `json:"eventId"`
		TotalTicketsSold int    `json:"totalTicketsSold"`
		Revenue          string `json:"revenue"`
		TicketTypes      []struct {
			TokenID       string `json:"tokenId"`
			CurrentSupply int    `json:"currentSupply"`
		} `json:"ticketTypes"`
	}
	require.NoError(t, json.Unmarshal(resp.Data["event"], &ev))
	assert.Equal(t, "0", ev.EventID)
	assert.Equal(t, 3, ev.TotalTicketsSold)
	assert.Equal(t, "30000000000000000", ev.Revenue)
	require.Len(t, ev.TicketTypes, 1)
	assert.Equal(t, 3, ev.TicketTypes[0].CurrentSupply)

	var tt struct {
		MaxSupply       int    `json:"maxSupply"`
		CurrentSupply   int    `json:"currentSupply"`
		RemainingSupply int    `json:"remainingSupply"`
		Revenue         string `json:"revenue"`
		Price           string `json:"price"`
	}
	require.NoError(t, json.Unmarshal(resp.Data["ticketType"], &tt))
	assert.Equal(t, 100, tt.MaxSupply)
	assert.Equal(t, 97, tt.RemainingSupply)
	assert.Equal(t, "30000000000000000", tt.Revenue)
	assert.Equal(t, "10000000000000000", tt.Price)
}

func TestQueryMissingEventIsNull(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := query(t, srv, `{ event(eventId: "42") { eventId } }`)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, "null", string(resp.Data["event"]))
}

func TestQueryTicketsByOwner(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := query(t, srv, `{ tickets(owner: "`+holder+`") { total items { id isUsed } } }`)
	require.Empty(t, resp.Errors)

	var page struct {
		Total int `json:"total"`
		Items []struct {
			ID     string `json:"id"`
			IsUsed bool   `json:"isUsed"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(resp.Data["tickets"], &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 3)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down, _ := newTestServer(t, func(context.Context) error { return errors.New("mysql down") })
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ticketsync_")
}

func TestPlayground(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "endpoint: '/graphql'")
	assert.Contains(t, body, "height: 100%;")
	assert.NotContains(t, body, "%!")
}
