package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-edu-client/devserver"
	"github.com/jrsteele09/go-edu-client/internal/config"
	"github.com/jrsteele09/go-edu-client/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running dev server")
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	displayAppname("Edu Dev API")

	backend := devserver.New(
		devserver.WithEnv(config.EnvVars{}.GetEnv()),
		devserver.WithTokenExpiry(config.GetEnvDuration("ACCESS_TOKEN_EXPIRY", time.Minute), 24*time.Hour),
		devserver.WithRefreshRotation(config.GetEnv("ROTATE_REFRESH", "true") == "true"),
	)
	if _, err := backend.AddUser(users.User{
		Email:     "teacher@school.edu",
		Username:  "teacher",
		FirstName: "Demo",
		LastName:  "Teacher",
		Role:      users.RoleTeacher,
	}, "Teacher123"); err != nil {
		return err
	}

	server := &http.Server{Addr: ":" + config.GetEnv("PORT", "8000"), Handler: http.StripPrefix("/api", backend)}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(server) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(server)
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Dev API listening under /api")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
