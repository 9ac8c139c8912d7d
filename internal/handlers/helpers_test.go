package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"banklink/internal/auth"
	"banklink/internal/config"
	"banklink/internal/models"
	"banklink/internal/services"
	"banklink/internal/store"
	"banklink/internal/websocket"
)

type stubConnectionService struct {
	connectFn  func(ctx context.Context, req services.ConnectRequest) (services.ConnectResult, error)
	completeFn func(ctx context.Context, req services.CompleteRequest) (services.ConnectionSummary, error)
	disconnFn  func(ctx context.Context, userID, connectionID string) error
	listFn     func(ctx context.Context, userID string) ([]services.ConnectionView, error)
	gcFn       func(ctx context.Context) (int64, error)
	rewrapFn   func(ctx context.Context) (services.RewrapSummary, error)
}

func (s stubConnectionService) Connect(ctx context.Context, req services.ConnectRequest) (services.ConnectResult, error) {
	if s.connectFn == nil {
		return services.ConnectResult{}, nil
	}
	return s.connectFn(ctx, req)
}

func (s stubConnectionService) CompleteConnection(ctx context.Context, req services.CompleteRequest) (services.ConnectionSummary, error) {
	if s.completeFn == nil {
		return services.ConnectionSummary{}, nil
	}
	return s.completeFn(ctx, req)
}

func (s stubConnectionService) Disconnect(ctx context.Context, userID, connectionID string) error {
	if s.disconnFn == nil {
		return nil
	}
	return s.disconnFn(ctx, userID, connectionID)
}

func (s stubConnectionService) ListConnections(ctx context.Context, userID string) ([]services.ConnectionView, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, userID)
}

func (s stubConnectionService) GarbageCollect(ctx context.Context) (int64, error) {
	if s.gcFn == nil {
		return 0, nil
	}
	return s.gcFn(ctx)
}

func (s stubConnectionService) RewrapCredentials(ctx context.Context) (services.RewrapSummary, error) {
	if s.rewrapFn == nil {
		return services.RewrapSummary{}, nil
	}
	return s.rewrapFn(ctx)
}

type stubSyncService struct {
	syncUserFn func(ctx context.Context, userID string, windowDays int) (services.SyncSummary, error)
	syncAllFn  func(ctx context.Context, windowDays int) (services.AllSummary, error)
}

func (s stubSyncService) SyncUser(ctx context.Context, userID string, windowDays int) (services.SyncSummary, error) {
	if s.syncUserFn == nil {
		return services.SyncSummary{}, nil
	}
	return s.syncUserFn(ctx, userID, windowDays)
}

func (s stubSyncService) SyncAll(ctx context.Context, windowDays int) (services.AllSummary, error) {
	if s.syncAllFn == nil {
		return services.AllSummary{}, nil
	}
	return s.syncAllFn(ctx, windowDays)
}

type stubTransactionStore struct {
	listByUserFn func(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error)
}

func (s stubTransactionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error) {
	if s.listByUserFn == nil {
		return nil, nil
	}
	return s.listByUserFn(ctx, userID, limit, offset)
}

type stubAuditStore struct {
	listByActorFn func(ctx context.Context, actorID string, limit, offset int) ([]store.AuditEntry, error)
}

func (s stubAuditStore) ListByActor(ctx context.Context, actorID string, limit, offset int) ([]store.AuditEntry, error) {
	if s.listByActorFn == nil {
		return nil, nil
	}
	return s.listByActorFn(ctx, actorID, limit, offset)
}

type stubPinger struct {
	err error
}

func (s stubPinger) PingContext(context.Context) error {
	return s.err
}

type testDeps struct {
	connections  stubConnectionService
	sync         stubSyncService
	transactions stubTransactionStore
	audit        stubAuditStore
	db           Pinger
	metrics      http.Handler
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:          "test",
		Port:            "0",
		JWTSecret:       "secret",
		TokenTTL:        time.Minute,
		AllowedOrigins:  "*",
		SyncWindowDays:  30,
		OperatorUserIDs: []string{"ops-1"},
	}
}

func newTestHandler(deps testDeps) http.Handler {
	return New(testConfig(), deps.connections, deps.sync, deps.transactions, deps.audit, websocket.NewHub(), deps.metrics, deps.db, nil).Routes()
}

// serveAs sends the request through the full router, authenticated as
// userID unless it is empty.
func serveAs(t *testing.T, handler http.Handler, method, target, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		token, err := auth.GenerateToken("secret", userID, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
