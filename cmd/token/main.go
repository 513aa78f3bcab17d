// Command token mints a bearer token for local use and smoke tests.
//
//	JWT_SECRET=dev go run ./cmd/token -user ana -role standard
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/warp/cash-register/api"
	"github.com/warp/cash-register/config"
	"github.com/warp/cash-register/register"
)

func main() {
	user := flag.String("user", "", "username (token subject)")
	role := flag.String("role", string(register.RoleStandard), "role: standard or admin")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	auth, err := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		slog.Error("failed to create authenticator", slog.Any("error", err))
		os.Exit(1)
	}
	token, err := auth.Issue(register.OwnerID(*user), register.Role(*role))
	if err != nil {
		slog.Error("failed to issue token", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Println(token)
}
