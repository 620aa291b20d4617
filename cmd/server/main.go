// The ops server exposes the enqueue API consumed by the HTTP layer
// and streams job lifecycle events to operators over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nexavpn/worker/internal/config"
	"github.com/nexavpn/worker/internal/domain"
	"github.com/nexavpn/worker/internal/platform/queue"
	"github.com/nexavpn/worker/internal/platform/web"
	"github.com/nexavpn/worker/internal/producer"
)

// Hub of active WebSocket connections, each with an optional queue
// filter.
var (
	clientHub = make(map[*websocket.Conn]string)
	hubMu     sync.RWMutex
)

func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Connect the broker
	broker, err := queue.NewRedisBroker(cfg.RedisAddr, cfg.RedisNamespace)
	if err != nil {
		slog.Error("Failed to connect broker", "error", err)
		os.Exit(1)
	}
	jobs := producer.New(broker)

	// 3. Fan job events out to connected clients
	go broadcastEvents(broker)

	// 4. Rate limit: 1 request/2s sustained, burst of 5
	limiter := web.NewRateLimiter(0.5, 5.0)
	defer limiter.Stop()

	// 5. Routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs/notify-support", limiter.Middleware(handleNotifySupport(jobs)))
	mux.HandleFunc("POST /api/v1/jobs/notify-user", limiter.Middleware(handleNotifyUser(jobs)))
	mux.HandleFunc("POST /api/v1/jobs/payment-watch", limiter.Middleware(handlePaymentWatch(jobs)))
	mux.HandleFunc("POST /api/v1/jobs/provision", limiter.Middleware(handleProvision(jobs)))
	mux.HandleFunc("POST /api/v1/jobs/retention-cleanup", limiter.Middleware(handleRetentionCleanup(jobs)))
	mux.HandleFunc("GET /api/v1/events", handleEvents())

	slog.Info("Ops server starting", "addr", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

// writeQueued answers 202: the broker has durably accepted the job.
func writeQueued(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

// enqueueFailed answers 500: enqueue failures propagate to the caller
// instead of being dropped or retried here.
func enqueueFailed(w http.ResponseWriter, err error) {
	slog.Error("Failed to enqueue job", "error", err)
	writeError(w, http.StatusInternalServerError, "ENQUEUE_FAILED", "failed to enqueue job")
}

func handleNotifySupport(jobs *producer.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p domain.NotifySupportPayload
		if !decode(w, r, &p) {
			return
		}
		if p.TicketID == "" || (p.Kind != domain.KindNewTicket && p.Kind != domain.KindNewMessage) {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "ticketId and a valid kind are required")
			return
		}
		if err := jobs.EnqueueNotifySupport(r.Context(), p); err != nil {
			enqueueFailed(w, err)
			return
		}
		writeQueued(w)
	}
}

func handleNotifyUser(jobs *producer.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p domain.NotifyUserPayload
		if !decode(w, r, &p) {
			return
		}
		if p.UserID == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userId is required")
			return
		}
		if err := jobs.EnqueueNotifyUser(r.Context(), p); err != nil {
			enqueueFailed(w, err)
			return
		}
		writeQueued(w)
	}
}

func handlePaymentWatch(jobs *producer.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p domain.PaymentWatchPayload
		if !decode(w, r, &p) {
			return
		}
		if err := jobs.EnqueuePaymentWatch(r.Context(), p); err != nil {
			enqueueFailed(w, err)
			return
		}
		writeQueued(w)
	}
}

func handleProvision(jobs *producer.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p domain.ProvisionPayload
		if !decode(w, r, &p) {
			return
		}
		if p.InvoiceID == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invoiceId is required")
			return
		}
		if err := jobs.EnqueueProvision(r.Context(), p); err != nil {
			enqueueFailed(w, err)
			return
		}
		writeQueued(w)
	}
}

func handleRetentionCleanup(jobs *producer.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := jobs.EnqueueRetentionCleanup(r.Context()); err != nil {
			enqueueFailed(w, err)
			return
		}
		writeQueued(w)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // operator tooling, same-host use
}

// handleEvents upgrades the connection and registers it in the hub.
// An optional ?queue= parameter narrows the feed to one queue.
func handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queueFilter := r.URL.Query().Get("queue")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed", "error", err)
			return
		}

		slog.Info("Event client connected", "remoteAddr", conn.RemoteAddr(), "queue", queueFilter)
		hubMu.Lock()
		clientHub[conn] = queueFilter
		hubMu.Unlock()

		defer func() {
			slog.Info("Event client disconnected", "remoteAddr", conn.RemoteAddr())
			hubMu.Lock()
			delete(clientHub, conn)
			hubMu.Unlock()
			conn.Close()
		}()

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// broadcastEvents forwards broker job events to every matching client.
func broadcastEvents(broker domain.Broker) {
	slog.Info("Starting event broadcaster...")

	events, err := broker.SubscribeEvents(context.Background())
	if err != nil {
		slog.Error("Failed to subscribe to events", "error", err)
		os.Exit(1)
	}

	for ev := range events {
		hubMu.RLock()
		for conn, filter := range clientHub {
			if filter != "" && filter != ev.Queue {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				slog.Error("Failed to write to websocket", "remoteAddr", conn.RemoteAddr(), "error", err)
			}
		}
		hubMu.RUnlock()
	}
}
