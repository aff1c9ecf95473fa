package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"trailchat/internal/chatserver"
	"trailchat/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env file not found, using system env variables: %v", err)
	}

	cfg := config.Load()

	handler := chatserver.New([]byte(cfg.Server.JWTSecret), cfg.Server.AllowedOrigins)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: c.Handler(handler.Router()),
	}

	go func() {
		log.Printf("chatd listening on :%s (env: %s)", cfg.Server.Port, cfg.Server.Environment)
		log.Printf("websocket endpoint: ws://localhost:%s/ws", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down chatd...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
}
