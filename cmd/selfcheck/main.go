// Command selfcheck runs the full flow once against the configured identity
// provider: it loads the signing keys, obtains an application token and verifies it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/boogy/m2m-auth/pkg/handler"
	"github.com/boogy/m2m-auth/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Self check failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	bootstrap, err := handler.NewBootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := bootstrap.Close(context.Background()); err != nil {
			slog.Warn("Failed to flush logs", slog.String("error", err.Error()))
		}
	}()

	source, err := bootstrap.AppTokenSource()
	if err != nil {
		return fmt.Errorf("failed to create app token source: %w", err)
	}

	tok, err := source.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain app API token: %w", err)
	}

	claims, err := bootstrap.Validator.Verify(ctx, types.NewBearerToken(tok.AccessToken), bootstrap.Config.ValidationConfig())
	if err != nil {
		return fmt.Errorf("app API token did not verify: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(claims)
}
