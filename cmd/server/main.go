package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tcgwallet/backend/internal/api"
	"github.com/tcgwallet/backend/internal/database"
	"github.com/tcgwallet/backend/internal/services"
)

func main() {
	// Database path for the marketplace price cache
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./tcgwallet.db"
	}

	// Initialize database
	if err := database.Initialize(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Initialize the card catalog from flat files
	catalog := services.NewCatalogService(os.Getenv("CARDS_DATA_DIR"), os.Getenv("EMBEDDINGS_FILE"))
	if _, err := catalog.GetAllCards(); err != nil {
		log.Fatalf("Failed to load card catalog: %v", err)
	}
	log.Printf("Loaded %d cards from %d packs", catalog.GetCardCount(), catalog.GetPackCount())

	// Embedding pre-filter and vision extraction share one API key; both are
	// optional and the matcher degrades gracefully without them.
	openAIKey := os.Getenv("OPENAI_API_KEY")
	embeddingService := services.NewEmbeddingService(openAIKey, catalog)
	if embeddingService == nil {
		log.Println("OPENAI_API_KEY not set: embedding pre-filter disabled, full catalog will be scored")
	}
	visionService := services.NewVisionService(openAIKey)

	imageCompareService := services.NewImageCompareService()

	matcher, err := services.NewMatcher(catalog, embeddingService, imageCompareService,
		services.DefaultFieldWeights(), services.DefaultImageWeight)
	if err != nil {
		log.Fatalf("Failed to initialize matcher: %v", err)
	}

	// Marketplace client with sqlite-backed price cache
	tcgPlayerService := services.NewTCGPlayerService(database.GetDB())

	// Background worker keeps cached prices fresh
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if refreshWorker := services.NewPriceRefreshWorker(tcgPlayerService, database.GetDB()); refreshWorker != nil {
		go refreshWorker.Start(workerCtx)
	}

	// Storage for uploaded card scans
	imageStorageService := services.NewImageStorageService()

	// Setup router
	router := api.SetupRouter(matcher, catalog, visionService, imageStorageService, tcgPlayerService)

	// Get port from environment
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create HTTP server for graceful shutdown
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests a deadline to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
