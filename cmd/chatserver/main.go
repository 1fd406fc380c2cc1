package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/joblink/chat/internal/api"
	"github.com/joblink/chat/internal/auth"
	"github.com/joblink/chat/internal/config"
	"github.com/joblink/chat/internal/messaging"
	"github.com/joblink/chat/internal/metrics"
	"github.com/joblink/chat/internal/presence"
	"github.com/joblink/chat/internal/protocol"
	"github.com/joblink/chat/internal/ratelimit"
	"github.com/joblink/chat/internal/session"
	"github.com/joblink/chat/internal/store"
	"github.com/joblink/chat/internal/ws"
)

func main() {
	cfg := config.Load()

	// --- Postgres ---
	chatStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	presenceStore := presence.NewStore(sessionStore.Client())
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "joblink-chat-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret))

	wsConfig := ws.ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	log.Printf("JobLink chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher(nil)

	// publishToPeer resolves the other participant of a conversation and
	// publishes wire bytes to their user subject. The sender must be a
	// participant or nothing is published.
	publishToPeer := func(ctx context.Context, conversationID, senderID string, data []byte) {
		a, b, err := chatStore.Participants(ctx, conversationID)
		if err != nil {
			log.Printf("[dispatch] participants conv=%s: %v", conversationID, err)
			return
		}
		if senderID != a && senderID != b {
			log.Printf("[dispatch] user=%s is not in conv=%s, dropping", senderID, conversationID)
			return
		}
		peer := a
		if senderID == a {
			peer = b
		}
		if err := natsClient.PublishToUser(peer, data); err != nil {
			log.Printf("[dispatch] publish to user=%s: %v", peer, err)
		}
	}

	// -----------------------------------------------------------------------
	// send_message — low-latency fan-out of an already-persisted message.
	// The REST layer is the durable path; this relays the canonical message
	// to the peer immediately. Receivers de-duplicate by message ID.
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		if sendMsg.Message.SenderID != conn.UserID || sendMsg.Message.ID == "" {
			log.Printf("[send_message] rejected user=%s sender=%s", conn.UserID, sendMsg.Message.SenderID)
			return
		}

		data, err := protocol.NewMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
			Message: sendMsg.Message,
		})
		if err != nil {
			log.Printf("[send_message] build event: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		publishToPeer(ctx, sendMsg.Message.ConversationID, conn.UserID, data)
	})

	// -----------------------------------------------------------------------
	// typing — relay the typing indicator to the conversation's peer. There
	// is no stop event; receivers expire the indicator on a timer.
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleTyping)
		if !allowed {
			return
		}
		metrics.MessagesTotal.WithLabelValues("typing").Inc()

		data, err := protocol.NewMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
			ConversationID: typingMsg.ConversationID,
			UserID:         conn.UserID,
		})
		if err != nil {
			log.Printf("[typing] build event: %v", err)
			return
		}
		publishToPeer(ctx, typingMsg.ConversationID, conn.UserID, data)
	})

	server = ws.NewServer(wsConfig, verifier, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// broadcastPresence publishes the full online set to every node. Each
	// node rebroadcasts it to all local connections via SubscribePresence.
	broadcastPresence := func(users []string) {
		data, err := protocol.NewMessage(protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{Users: users})
		if err != nil {
			log.Printf("[presence] build event: %v", err)
			return
		}
		if err := natsClient.PublishPresence(data); err != nil {
			log.Printf("[presence] publish: %v", err)
		}
	}

	server.SetOnConnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := chatStore.UpsertUser(ctx, conn.UserID, conn.Name, ""); err != nil {
			log.Printf("[connect] upsert user=%s: %v", conn.UserID, err)
		}

		users, err := presenceStore.Add(ctx, conn.UserID)
		if err != nil {
			log.Printf("[connect] presence add user=%s: %v", conn.UserID, err)
		} else {
			broadcastPresence(users)
		}

		// Deliver events addressed to this user for as long as the
		// connection lives on this node.
		userID := conn.UserID
		if err := natsClient.SubscribeUser(userID, func(data []byte) {
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err == nil && env.Type == protocol.TypeReceiveMessage {
				var m protocol.ReceiveMessageMsg
				if json.Unmarshal(env.Raw, &m) == nil && m.Message.Ts > 0 {
					metrics.DeliveryLatency.Observe(time.Since(time.UnixMilli(m.Message.Ts)).Seconds())
				}
				metrics.MessagesTotal.WithLabelValues("delivered").Inc()
			}
			if err := server.SendToUser(userID, data); err != nil {
				log.Printf("[deliver] user=%s: %v", userID, err)
			}
		}); err != nil {
			log.Printf("[connect] subscribe user=%s: %v", userID, err)
		}
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		// A reconnect displaces the old connection; only tear presence
		// down when the user has no live connection left on this node.
		if server.Connections().Get(conn.UserID) != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_ = natsClient.UnsubscribeUser(conn.UserID)

		users, err := presenceStore.Remove(ctx, conn.UserID)
		if err != nil {
			log.Printf("[disconnect] presence remove user=%s: %v", conn.UserID, err)
			return
		}
		broadcastPresence(users)
	})

	// Presence broadcasts fan out to every local connection, whichever node
	// originated the change.
	if err := natsClient.SubscribePresence(func(data []byte) {
		var m protocol.OnlineUsersMsg
		if err := json.Unmarshal(data, &m); err == nil {
			metrics.OnlineUsers.Set(float64(len(m.Users)))
		}
		server.Connections().Broadcast(data)
	}); err != nil {
		log.Fatalf("failed to subscribe to presence: %v", err)
	}

	// --- HTTP ---
	router := mux.NewRouter()

	// Cap handshake attempts per client address before the upgrade path.
	wsHandler := server.Handler()
	router.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		allowed, _ := limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		wsHandler.ServeHTTP(w, r)
	}))
	router.Handle("/health", server.HealthHandler())
	api.NewHandler(verifier, chatStore, natsClient, presenceStore, limiter).Routes(router)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}

	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("ws server error: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		_ = metricsServer.Shutdown(ctx)

		if err := server.Shutdown(); err != nil {
			log.Printf("ws shutdown error: %v", err)
		}
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if err := chatStore.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
