package main

import (
	"context"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/docsassist/ai-help/internal/ai"
	"github.com/docsassist/ai-help/internal/config"
	"github.com/docsassist/ai-help/internal/db"
	"github.com/docsassist/ai-help/internal/help"
	"github.com/docsassist/ai-help/internal/history"
	"github.com/docsassist/ai-help/internal/httpapi"
	"github.com/docsassist/ai-help/internal/quota"
	"github.com/docsassist/ai-help/internal/retrieval"
	"github.com/docsassist/ai-help/internal/store/rabbitmq"
	"github.com/docsassist/ai-help/internal/tokens"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	provider := ai.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.ModerationModel)

	reg := ai.NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (ai.Completer, error) {
		if model == "" || model == cfg.AIModel {
			return provider, nil
		}
		return ai.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey, model, cfg.ModerationModel), nil
	})
	completer, err := reg.Get(context.Background(), "openai", cfg.AIModel)
	if err != nil {
		log.Fatalf("ai backend: %v", err)
	}

	counter, err := tokens.NewCounter(cfg.AIModel)
	if err != nil {
		log.Fatalf("tokenizer: %v", err)
	}

	// Metadata goes through the durable queue when rabbit is reachable;
	// otherwise fall back to direct DB writes.
	var sink help.MetadataSink
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Printf("rabbit unavailable, metadata writes go direct: %v", err)
		sink = help.NewDBSink(gdb)
	} else {
		defer pub.Close()
		sink = pub
	}

	budget := help.Budget{
		TokenLimit:          cfg.TokenLimit,
		ContextLimit:        cfg.ContextLimit,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
	}

	ledger := quota.NewLedger(gdb, cfg.QuotaLimit, cfg.QuotaWindow)
	hist := history.NewStore(gdb)
	gate := help.NewGate(provider, cfg.ModerationTimeout)
	retriever := retrieval.NewClient(cfg.SearchBaseURL, cfg.RetrievalTimeout)
	composer := help.NewComposer(counter, budget)
	recorder := help.NewRecorder(sink, hist, ledger)

	svc := help.NewService(completer, gate, retriever, composer, ledger, hist, recorder, retrieval.ModeSection, budget)

	r := httpapi.NewRouter(gdb, cfg, rdb, svc)

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	log.Printf("server listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
