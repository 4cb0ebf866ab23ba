package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/iudanet/sketchsync/internal/server/auth"
	"github.com/iudanet/sketchsync/internal/server/hub"
	"github.com/iudanet/sketchsync/internal/server/storage"
	"github.com/iudanet/sketchsync/internal/server/storage/sqlite"
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
	addr := flag.String("addr", ":8090", "Listen address")
	dbPath := flag.String("db", "", "Path to SQLite database (empty = in-memory only)")
	secret := flag.String("secret", "", "Shared room secret (empty = auth disabled)")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	// Открываем персистентное хранилище комнат, если задан путь
	var roomStore storage.RoomStorage
	if *dbPath != "" {
		sqliteStore, err := sqlite.New(ctx, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := sqliteStore.Close(); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}()
		roomStore = sqliteStore
	}

	// Включаем проверку общего credential, если задан секрет
	var verifier hub.TokenVerifier
	if *secret != "" {
		verifier = auth.NewVerifier([]byte(*secret))
	}

	h := hub.New(roomStore, verifier, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)

	logger.Info("collaboration server listening",
		"addr", *addr,
		"persistent", *dbPath != "",
		"auth", *secret != "")

	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("SketchSync Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
