package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/pliu/chatcore/internal/auth"
	"github.com/pliu/chatcore/internal/config"
	"github.com/pliu/chatcore/internal/handlers"
	"github.com/pliu/chatcore/internal/logger"
	"github.com/pliu/chatcore/internal/store/sqlstore"
	"github.com/pliu/chatcore/internal/ws"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	zlog, err := logger.New(cfg.Development)
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	st, err := sqlstore.New(cfg.Driver, cfg.DSN)
	if err != nil {
		zlog.Fatalw("open store", "err", err)
	}
	defer st.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret)

	hub := ws.NewHub(st, zlog)
	go hub.Run()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handlers.NewRouter(st, hub, verifier, zlog),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	zlog.Infow("starting server", "addr", cfg.Addr, "driver", cfg.Driver)
	zlog.Fatal(srv.ListenAndServe())
}
