package websocket

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventBalance = "balance"
	EventSync    = "sync"
)

// Event is the envelope written to every socket.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type BalanceUpdate struct {
	ConnectionID     string    `json:"connection_id"`
	AccountName      string    `json:"account_name"`
	CurrentBalance   string    `json:"current_balance"`
	AvailableBalance string    `json:"available_balance"`
	Currency         string    `json:"currency"`
	SyncedAt         time.Time `json:"synced_at"`
}

type SyncUpdate struct {
	ConnectionsAttempted int `json:"connections_attempted"`
	ConnectionsSucceeded int `json:"connections_succeeded"`
	TransactionsUpserted int `json:"transactions_upserted"`
	TransactionsInserted int `json:"transactions_inserted"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) PublishBalance(userID string, update BalanceUpdate) {
	h.publish(userID, Event{Type: EventBalance, Data: update})
}

func (h *Hub) PublishSync(userID string, update SyncUpdate) {
	h.publish(userID, Event{Type: EventSync, Data: update})
}

// publish drops the event for clients whose buffer is full.
func (h *Hub) publish(userID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
