// sessiondemo repeatedly signs a user up and in, rotates the session token and checks the
// tokens against the configured storage backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessioncore/internal/app"
	"sessioncore/internal/config"
	"sessioncore/internal/telemetry/otel"
	"sessioncore/internal/user"
)

func main() {
	iterations := flag.Int("iterations", 1000, "Number of sign-in loops to run (0 runs until interrupted)")
	reportEvery := flag.Int("report-every", 100, "Log progress every N loops")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *iterations, *reportEvery); err != nil {
		log.Error("sessiondemo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, iterations, reportEvery int) error {
	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := app.New(ctx, cfg, app.Deps{
		Logger:         log,
		TracerProvider: providers.TracerProvider,
		MeterProvider:  providers.MeterProvider,
		Events:         otel.NewEventEmitter(providers.LoggerProvider),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if reportEvery <= 0 {
		reportEvery = 100
	}
	start := time.Now()
	var i int
	for iterations == 0 || i < iterations {
		if ctx.Err() != nil {
			break
		}
		if err := loop(ctx, a); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("loop %d: %w", i, err)
		}
		i++
		if i%reportEvery == 0 {
			log.Info("progress", "loops", i, "elapsed", time.Since(start).String())
		}
	}
	log.Info("done", "loops", i, "elapsed", time.Since(start).String())
	return nil
}

// loop signs a new user in, revokes the issued token, rotates the session and checks the result.
func loop(ctx context.Context, a *app.App) error {
	u, err := a.Users.NewUser(ctx, "test", user.RoleAdmin, "demo-password")
	if err != nil {
		return err
	}
	s, issued, err := a.Sessions.NewSession(ctx, u.ID())
	if err != nil {
		return err
	}
	if err := a.Tokens.Invalidate(ctx, issued.Token); err != nil {
		return err
	}
	next, err := a.Sessions.RefreshSessionToken(ctx, s)
	if err != nil {
		return err
	}
	ok, err := a.Tokens.Verify(ctx, next.Token.ID(), next.Secret)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rotated token %d does not verify", next.Token.ID())
	}
	return nil
}
