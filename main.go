package main

import (
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"legacychat/config"
	"legacychat/server"
	"legacychat/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $LEGACYCHAT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := store.Open(cfg.Store, cfg.PasswordCost)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	srvConfig := &server.ServerConfig{
		Addr:           cfg.Addr(),
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		MaxLineBytes:   cfg.MaxLineBytes,
		MaxConnections: cfg.MaxConns,
	}

	srv := server.New(st, srvConfig)
	if err := srv.Listen(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	shutdown := func() {
		srv.Shutdown()
		st.Close()
		os.Exit(0)
	}

	if cfg.ControlSocket != "" {
		go func() {
			if err := srv.ServeControl(cfg.ControlSocket, shutdown); err != nil {
				log.Printf("Control socket error: %v", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, srv.MetricsHandler())
	}

	// Handle signals for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		shutdown()
	}()

	if err := srv.Serve(); err != nil {
		log.Fatal(err)
	}
}

func serveMetrics(addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("Metrics listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server error: %v", err)
	}
}
