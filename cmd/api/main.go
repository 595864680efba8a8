package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcclellann/loanbook/pkg/config"
	"github.com/mcclellann/loanbook/pkg/jobs"
	"github.com/mcclellann/loanbook/pkg/ledger"
	"github.com/mcclellann/loanbook/pkg/logger"
	"github.com/mcclellann/loanbook/pkg/store"
	"github.com/mcclellann/loanbook/pkg/verification"
	"go.uber.org/zap"
)

// Server holds the ledger and verification services.
type Server struct {
	ledger       *ledger.Ledger
	verification *verification.Service
	storage      store.Storage // Keep a reference to the storage to close it
	logger       *zap.Logger
}

func NewServer(s store.Storage, cfg *config.AppConfig, log *zap.Logger) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := func() time.Time { return time.Now().In(loc) }
	return &Server{
		ledger:       ledger.NewLedger(s, log, ledger.WithClock(now), ledger.WithExactTotal(cfg.Schedule.ExactTotal)),
		verification: verification.NewService(s, log, cfg.Verification.TokenTTL, cfg.Verification.PublicBaseURL, now),
		storage:      s,
		logger:       log,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/installments/{number:[0-9]+}/pay", s.payInstallmentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/verification", s.issueVerificationHandler).Methods("POST")

	router.HandleFunc("/clients", s.listClientsHandler).Methods("GET")
	router.HandleFunc("/clients/{id}", s.getClientHandler).Methods("GET")
	router.HandleFunc("/clients/{id}", s.deleteClientHandler).Methods("DELETE")

	router.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")
	router.HandleFunc("/reports/overdue", s.overdueReportHandler).Methods("GET")
	router.HandleFunc("/reports/loans.csv", s.loansCSVHandler).Methods("GET")
	router.HandleFunc("/reports/overdue.csv", s.overdueCSVHandler).Methods("GET")

	verify := router.PathPrefix("/verify").Subrouter()
	verify.Use(corsMiddleware)
	verify.HandleFunc("/{token}", s.checkVerificationHandler).Methods("GET", "OPTIONS")
	verify.HandleFunc("/{token}", s.submitVerificationHandler).Methods("POST")

	return router
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(cfg.Server.ServiceName, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logg.Sync()

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path, logg)
	if err != nil {
		logg.Fatal("failed to initialize SQLite store", zap.Error(err))
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, cfg, logg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := jobs.New(cfg.Jobs.OverdueCron, cfg.Location, server.ledger, logg)
	go func() {
		if err := sched.Start(ctx); err != nil {
			logg.Error("scheduler error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logg.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logg.Info("shutting down")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logg.Error("graceful shutdown failed", zap.Error(err))
	}
}
