package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"enhancer/internal/middleware"
)

// devtoken issues a bearer token for local calls against the API.
func main() {
	var (
		tenantFlag string
		userFlag   string
		ttlFlag    time.Duration
	)
	flag.StringVar(&tenantFlag, "tenant", "", "tenant ID carried in the token")
	flag.StringVar(&userFlag, "user", "", "user ID (token subject)")
	flag.DurationVar(&ttlFlag, "ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		exitWithError(errors.New("JWT_SECRET is required"))
	}
	tenant := strings.TrimSpace(tenantFlag)
	user := strings.TrimSpace(userFlag)
	if tenant == "" || user == "" {
		exitWithError(errors.New("-tenant and -user must be provided"))
	}

	token, err := middleware.SignJWT(secret, tenant, user, ttlFlag)
	if err != nil {
		exitWithError(fmt.Errorf("failed to sign token: %w", err))
	}
	fmt.Println(token)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
