package main

import (
	"log"
	"os"

	"worldline/internal/api"
	"worldline/internal/branching"
	"worldline/internal/config"
	"worldline/internal/memory"
	"worldline/internal/notify"
	"worldline/internal/prompt"
	"worldline/internal/provider"
	"worldline/internal/runner"
	"worldline/internal/secrets"
	"worldline/internal/storage"
	"worldline/internal/timeline"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("WORLDLINE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("WORLDLINE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	hub := notify.NewHub()
	notifier := notify.Notifier(hub)
	if cfg.Redis.Enabled {
		publisher, err := notify.NewRedisPublisher(cfg.Redis)
		if err != nil {
			log.Fatalf("create redis publisher: %v", err)
		}
		defer publisher.Close()
		notifier = notify.Multi{hub, publisher}
	}

	store := timeline.New(db)

	var mem memory.Service = memory.Nop{}
	if cfg.Memory.Mode == "vector" {
		embedder, err := buildEmbedder(cfg.Memory)
		if err != nil {
			log.Fatalf("init embedder: %v", err)
		}
		mem = memory.NewIndex(db, embedder, cfg.Memory.MaxSnippets)
	}

	var cipher *secrets.Cipher
	if cfg.BasicConfig.SecretKey != "" {
		cipher, err = secrets.NewCipher(cfg.BasicConfig.SecretKey)
		if err != nil {
			log.Fatalf("init secret cipher: %v", err)
		}
	}
	providers := provider.NewService(db, cipher, notifier, cfg.Providers)

	builder := prompt.NewBuilder(0)
	sim := runner.NewSimulator(store, builder, providers, mem)
	manager := runner.NewManager(store, sim, notifier)
	defer manager.Shutdown()

	engine := branching.NewEngine(store, mem, notifier, manager)

	handlers := api.NewHandler(store, engine, manager, providers, hub, api.Defaults{
		TickLabel:       cfg.BasicConfig.DefaultTickLabel,
		PostGenDelaySec: cfg.BasicConfig.DefaultGenDelaySec,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func buildEmbedder(cfg config.MemoryConfig) (memory.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey != "" {
			return memory.NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dim)
		}
		log.Printf("embed provider openai configured without api key, falling back to deterministic")
		return memory.NewDeterministicEmbedder(cfg.Dim, "")
	default:
		return memory.NewDeterministicEmbedder(cfg.Dim, cfg.Model)
	}
}
