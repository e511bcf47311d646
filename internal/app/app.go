// Package app wires configuration into a running chat service. Both the
// HTTP server and the job worker start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
	"github.com/ToughenFlat/chatgpt-back/internal/chat"
	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/ToughenFlat/chatgpt-back/internal/config"
	"github.com/ToughenFlat/chatgpt-back/internal/conversation"
	"github.com/ToughenFlat/chatgpt-back/internal/db"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"github.com/ToughenFlat/chatgpt-back/internal/store/redisstore"
	"github.com/ToughenFlat/chatgpt-back/internal/stream"
	"github.com/ToughenFlat/chatgpt-back/internal/token"
	"gorm.io/gorm"
)

// Models lists every table the service owns.
func Models() []any {
	return []any{&chat.Session{}, &chat.Job{}, &conversation.Turn{}, &keypool.Credential{}}
}

type App struct {
	Config    config.Config
	DB        *gorm.DB
	Redis     *redisstore.Store
	Providers *ai.Registry
	Keys      *keypool.Resolver
	Monitor   *keypool.Monitor
	Streams   *stream.Registry
	Service   *chat.Service

	closers []func() error
}

// New opens and migrates the database (and Redis when configured), seeds the system key
// pool from the config file and builds the service. publisher may be nil
// for processes that never enqueue jobs.
func New(ctx context.Context, cfg config.Config, publisher chat.JobPublisher) (*App, error) {
	a := &App{Config: cfg}

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.DB = gdb
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := db.AutoMigrate(gdb, Models()...); err != nil {
		_ = a.Close()
		return nil, err
	}

	var marker keypool.HealthMarker
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rds.Ping(pctx)
		cancel()
		if err != nil {
			_ = a.Close()
			_ = rds.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		a.Redis = rds
		a.closers = append(a.closers, rds.Close)
		marker = rds
	} else {
		log.Printf("REDIS_ADDR not set, unhealthy key marks stay local to this process")
	}

	types := conversation.DefaultSessionTypes()
	keyStore := keypool.NewGormStore(gdb)
	if cfg.File != nil {
		for _, st := range cfg.File.SessionTypes {
			types.Set(conversation.SessionType{
				Code:               st.Code,
				Name:               st.Name,
				Capacity:           st.Capacity,
				ReservedCompletion: st.ReservedCompletion,
				SystemPrompt:       st.SystemPrompt,
			})
		}
		for _, p := range cfg.File.KeyPool {
			n, err := keyStore.SeedSystem(ctx, p.Provider, p.Keys)
			if err != nil {
				_ = a.Close()
				return nil, err
			}
			if n > 0 {
				log.Printf("keypool seeded provider=%s added=%d", p.Provider, n)
			}
		}
	}

	counter, err := token.New(cfg.TokenEncoding)
	if err != nil {
		log.Printf("token encoding %q unavailable, using estimate: %v", cfg.TokenEncoding, err)
	}

	sf, err := common.NewSnowflake(cfg.SnowflakeNode)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Providers = registerProviders(cfg)
	a.Keys = keypool.NewResolver(keyStore, keypool.NewSelector(), marker, cfg.KeyCooldown)
	a.Monitor = keypool.NewMonitor(a.Keys, map[string]keypool.Prober{
		"openai": ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIModel),
	})
	a.Streams = stream.NewRegistry(stream.Options{
		NextID:          sf.Next,
		IdleTimeout:     cfg.HandleIdleTimeout,
		ExchangeTimeout: cfg.ExchangeTimeout,
	})

	if !a.Providers.Has(cfg.AIProvider) {
		_ = a.Close()
		return nil, fmt.Errorf("%w: AI_PROVIDER=%q", ai.ErrUnknownProvider, cfg.AIProvider)
	}
	modelFor := cfg.ModelFor
	if cfg.AIModel != "" {
		modelFor = func(provider string) string {
			if strings.EqualFold(provider, cfg.AIProvider) {
				return cfg.AIModel
			}
			return cfg.ModelFor(provider)
		}
	}

	a.Service = chat.NewService(chat.Options{
		Repo:            chat.NewRepo(gdb),
		Providers:       a.Providers,
		Turns:           conversation.NewManager(conversation.NewGormStore(gdb), counter),
		Types:           types,
		Keys:            a.Keys,
		Streams:         a.Streams,
		Publisher:       publisher,
		DefaultProvider: cfg.AIProvider,
		ModelFor:        modelFor,
		CallTimeout:     cfg.UpstreamTimeout,
	})
	return a, nil
}

func registerProviders(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("openai", func(_ context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, model), nil
	})
	reg.Register("anthropic", func(_ context.Context, model string) (ai.Provider, error) {
		return ai.NewAnthropicProvider(cfg.AnthropicBaseURL, model), nil
	})
	reg.Register("openrouter", func(_ context.Context, model string) (ai.Provider, error) {
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, model, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
