// Injector for the provider graph declared in wire.go, written to match the
// output of wire. Running go generate in this directory replaces it with the
// generated file.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/api"
	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat/delivery"
	"github.com/cory-johannsen/parley/internal/chat/reaction"
	"github.com/cory-johannsen/parley/internal/chat/session"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/directory"
	"github.com/cory-johannsen/parley/internal/observability"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

// Injectors from wire.go:

func initializeApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, func(), error) {
	manager := session.NewManager()
	pool, cleanup, err := providePool(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	pgxpoolPool := provideDB(pool)
	messageStore, cleanup2, err := provideMessageStore(cfg, pgxpoolPool, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	messageFilter, cleanup3, err := provideFilter(cfg, logger)
	if err != nil {
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	tracker := delivery.NewTracker()
	ledger := reaction.NewLedger()
	metrics := observability.NewMetrics()
	brokerBroker := provideBroker(cfg, manager, messageStore, messageFilter, tracker, ledger, metrics, logger)
	accountRepository := provideAccounts(cfg, pgxpoolPool)
	revocationList, cleanup4, err := provideRevocations(ctx, cfg, logger)
	if err != nil {
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	tokens := provideTokens(cfg, revocationList)
	service := auth.NewService(accountRepository, tokens, logger)
	resolver := auth.NewResolver(service)
	roomRepository := postgres.NewRoomRepository(pgxpoolPool)
	directoryDirectory := directory.New(roomRepository, logger)
	handlers := api.NewHandlers(service, directoryDirectory, logger)
	handler := provideAPIRoutes(handlers)
	server := provideGateway(cfg, brokerBroker, resolver, metrics, logger, handler)
	adminServer := provideAdmin(cfg, metrics, logger, pool, revocationList)
	app := &App{
		Gateway:   server,
		Admin:     adminServer,
		Directory: directoryDirectory,
	}
	return app, func() {
		cleanup4()
		cleanup3()
		cleanup2()
		cleanup()
	}, nil
}
