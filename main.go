package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/winstonxwu/eat-me/backend"
	"github.com/winstonxwu/eat-me/chat"
	"github.com/winstonxwu/eat-me/config"
	"github.com/winstonxwu/eat-me/crypto"
	"github.com/winstonxwu/eat-me/models"
	"github.com/winstonxwu/eat-me/storage"
)

const demoConversationID = "demo-conversation"

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Client ID:       %s\n", cfg.ClientID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	// Stand-in server with a scripted partner so the engine can be
	// exercised end to end without network credentials.
	partnerID := "demo-partner"
	client := backend.NewMemory()
	client.SetCurrentUser(cfg.ClientID)
	client.AddConversation(demoConversationID, cfg.ClientID, partnerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := chat.Open(ctx, chat.SessionOptions{
		Backend:           client,
		ConversationID:    demoConversationID,
		Cache:             store,
		PollInterval:      cfg.PollInterval(),
		SeedLimit:         cfg.SeedLimit,
		SeedTimeout:       cfg.SeedTimeout(),
		TypingClearAfter:  cfg.TypingClearAfter(),
		TypingAnnounceTTL: cfg.TypingAnnounceTTL(),
		OnMessage: func(msg models.Message) {
			log.Printf("message: sender=%s kind=%s text=%q", msg.SenderID, msg.Kind, msg.Content)
		},
		OnTyping: func(typing bool) {
			log.Printf("partner typing: %v", typing)
		},
		OnPresence: func(p models.Presence) {
			log.Printf("partner presence: online=%v last_seen=%d", p.Online, p.LastSeen)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while opening conversation: %v", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("session close error: %v", err)
		}
	}()

	greeting := chat.ConversationStarters[rand.Intn(len(chat.ConversationStarters))]
	if _, err := session.Send(ctx, greeting, models.KindText, nil); err != nil {
		log.Printf("greeting send failed: %v", err)
	}

	go runScriptedPartner(ctx, client, partnerID)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// runScriptedPartner plays the remote participant: it encrypts replies
// with the shared conversation key and inserts them server-side, which
// exercises both the push and poll delivery paths.
func runScriptedPartner(ctx context.Context, client *backend.Memory, partnerID string) {
	conv, err := client.Conversation(ctx, demoConversationID)
	if err != nil {
		log.Printf("partner: conversation lookup failed: %v", err)
		return
	}
	key, err := crypto.DeriveConversationKey(conv.ID, []string{conv.UserA, conv.UserB})
	if err != nil {
		log.Printf("partner: key derivation failed: %v", err)
		return
	}

	replies := chat.QuickReplies
	ticker := time.NewTicker(7 * time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := crypto.Encrypt(replies[i%len(replies)], key)
		if err != nil {
			log.Printf("partner: encrypt failed: %v", err)
			continue
		}
		if _, err := client.InsertMessage(ctx, conv.ID, partnerID, payload, models.KindText, nil); err != nil {
			log.Printf("partner: insert failed: %v", err)
		}
	}
}
