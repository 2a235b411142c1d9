package main

import (
	"context"
	"log"
	"os"

	"escrowd/internal/api"
	"escrowd/internal/auth"
	"escrowd/internal/chain"
	"escrowd/internal/config"
	"escrowd/internal/escrow"
	"escrowd/internal/store"
	"escrowd/internal/transfer"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("escrowd: starting",
		"listen_addr", cfg.ListenAddr,
		"postgres", cfg.DatabaseURL != "",
		"rpc", cfg.RPCURL != "",
	)

	ctx := context.Background()

	var st store.Store
	var err error
	if cfg.DatabaseURL != "" {
		st, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	} else {
		st, err = store.NewSQLiteStore(cfg.DBPath)
	}
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	var src chain.Source = chain.SystemSource{}
	if cfg.RPCURL != "" {
		eth, err := chain.NewEthSource(ctx, cfg.RPCURL)
		if err != nil {
			log.Fatalf("failed to connect chain rpc: %v", err)
		}
		src = eth
	}

	var dispatcher transfer.Dispatcher = transfer.LogDispatcher{Logger: logger}
	if cfg.RPCURL != "" && cfg.SettlementContract != "" && cfg.PrivateKey != "" {
		eth, err := transfer.NewEthDispatcher(ctx, transfer.EthDispatcherConfig{
			RPCURL:             cfg.RPCURL,
			PrivateKeyHex:      cfg.PrivateKey,
			SettlementContract: cfg.SettlementContract,
		})
		if err != nil {
			log.Fatalf("failed to configure settlement dispatcher: %v", err)
		}
		dispatcher = eth
	}

	svc := escrow.NewService(st, dispatcher, logger)

	var verifier *auth.Verifier
	if cfg.HMACSecret != "" {
		verifier = &auth.Verifier{Secret: cfg.HMACSecret, MaxSkew: cfg.HMACMaxSkew}
	}

	srv := api.NewServer(cfg.ListenAddr, svc, st, src, verifier, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
