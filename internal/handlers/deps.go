package handlers

import (
	"context"

	"banklink/internal/models"
	"banklink/internal/services"
	"banklink/internal/store"
)

type ConnectionService interface {
	Connect(ctx context.Context, req services.ConnectRequest) (services.ConnectResult, error)
	CompleteConnection(ctx context.Context, req services.CompleteRequest) (services.ConnectionSummary, error)
	Disconnect(ctx context.Context, userID, connectionID string) error
	ListConnections(ctx context.Context, userID string) ([]services.ConnectionView, error)
	GarbageCollect(ctx context.Context) (int64, error)
	RewrapCredentials(ctx context.Context) (services.RewrapSummary, error)
}

type SyncService interface {
	SyncUser(ctx context.Context, userID string, windowDays int) (services.SyncSummary, error)
	SyncAll(ctx context.Context, windowDays int) (services.AllSummary, error)
}

type TransactionStore interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, error)
}

type AuditStore interface {
	ListByActor(ctx context.Context, actorID string, limit, offset int) ([]store.AuditEntry, error)
}

// Pinger reports database health; *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}
