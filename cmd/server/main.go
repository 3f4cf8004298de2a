// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/kingside/gambit/internal/auth"
	"github.com/kingside/gambit/internal/cache"
	"github.com/kingside/gambit/internal/config"
	"github.com/kingside/gambit/internal/database"
	"github.com/kingside/gambit/internal/handlers"
	"github.com/kingside/gambit/internal/middleware"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)

	auth.Init()
	database.ConnectDB()
	defer database.DB.Close()

	if err := cache.ConnectRedis(); err != nil {
		// The arena runs without Redis; only the transition fan-out and
		// the historian lose their feed.
		logger.Warnf("Redis unavailable, transition publishing disabled: %v", err)
	}

	srv := handlers.NewArenaServer(database.NewStore(), cfg.IPNSecret, cfg.HouseFeeRate, logger)
	srv.JoinGrace = cfg.JoinGrace
	srv.ReconnectGrace = cfg.ReconnectGrace
	srv.Queue.TTL = cfg.QueueTTL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Queue.RunSweeper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlers.PingHandler)

	// user endpoints
	mux.HandleFunc("/user/create", handlers.CreateUserHandler)
	mux.HandleFunc("/user/login", handlers.LoginHandler)
	mux.HandleFunc("/user/claim", handlers.ClaimEphemeralHandler)

	// arena websocket
	mux.Handle("/arena/ws", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.ArenaWSHandler(logger, srv),
	)))

	// wallet endpoints
	mux.HandleFunc("/balance", handlers.BalanceHandler)
	mux.HandleFunc("/ledger/", handlers.SessionLedgerHandler)
	mux.Handle("/payments/deposit", handlers.CreateDepositHandler(logger))
	mux.Handle("/payments/ipn", handlers.PaymentWebhookHandler(logger, srv))
	mux.Handle("/withdrawals", handlers.RequestWithdrawalHandler(logger, srv))
	mux.Handle("/admin/withdrawals/", handlers.WithdrawalAdminHandler(logger, srv))

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	logger.Infof("listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		logger.Errorf("failed to serve: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
