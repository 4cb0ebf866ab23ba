package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/sketchsync/internal/client/docstore"
	"github.com/iudanet/sketchsync/internal/client/presence"
	"github.com/iudanet/sketchsync/internal/client/storage/boltdb"
	clientsync "github.com/iudanet/sketchsync/internal/client/sync"
	"github.com/iudanet/sketchsync/internal/client/transport"
	"github.com/iudanet/sketchsync/internal/crdt"
	"github.com/iudanet/sketchsync/internal/models"
	"github.com/iudanet/sketchsync/internal/server/auth"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "ws://localhost:8090/ws", "Collaboration server URL")
	roomID := flag.String("room", "demo", "Room to join")
	documentID := flag.String("doc", "demo-document", "Document identifier")
	dbPath := flag.String("db", "sketchsync-client.db", "Path to local database")
	secret := flag.String("secret", "", "Shared room secret (empty = no auth)")
	name := flag.String("name", "demo", "Participant display name")
	color := flag.String("color", "#4f8fef", "Participant cursor color")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	// Открываем BoltDB storage для offline-очереди
	boltStorage, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := boltStorage.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	// Выписываем токен комнаты, если задан общий секрет
	var token string
	if *secret != "" {
		token, err = auth.NewRoomToken([]byte(*secret), *roomID, 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to mint room token: %v\n", err)
			os.Exit(1)
		}
	}

	store := docstore.NewStore()
	clock := crdt.NewClock()
	tc := transport.NewClient(*serverURL, token, logger)

	engine := clientsync.NewEngine(clientsync.Config{
		DocumentID: *documentID,
		RoomID:     *roomID,
	}, tc, store, boltStorage, clock, logger)

	participantID := uuid.New().String()
	ch := presence.NewChannel(tc, *roomID, participantID, *name, *color, logger)

	// Presence идет мимо движка - отдельный handler
	handlers := engine.Handlers()
	handlers.OnPresence = ch.HandleUpdate
	tc.SetHandlers(handlers)

	engine.OnStatusChange(func(s clientsync.Status) {
		logger.Info("sync status",
			"state", s.State.String(),
			"version", s.Version,
			"pending", s.HasPendingChanges)
	})

	ch.Start()
	engine.Start(ctx)

	// Демонстрационная правка: одна фигура в общий документ
	store.Put(&models.Record{
		ID: "shape:" + uuid.New().String(),
		Fields: map[string]any{
			"type": "rectangle",
			"x":    float64(100),
			"y":    float64(100),
			"w":    float64(200),
			"h":    float64(120),
		},
	})
	ch.SetCursor(100, 100)

	// Работаем до сигнала
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ch.Stop()
	engine.Stop(ctx)
	if err := tc.Close(); err != nil {
		logger.Error("failed to close connection", "error", err)
	}

	status := engine.Status()
	fmt.Printf("Final state: %s, version %d, pending changes: %v\n",
		status.State, status.Version, status.HasPendingChanges)
}

func printVersion() {
	fmt.Printf("SketchSync Client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
