// Command optoken mints a bearer token for the operator endpoints, e.g.
//
//	optoken --user 7 --role operator --ttl 1h
//
// The signing secret is read from JWT_SECRET (or .env).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/iliyamo/bus-seat-reservation/internal/auth"
)

func main() {
	userID := pflag.Uint64("user", 0, "user id to put in the sub claim")
	role := pflag.String("role", auth.RoleOperator, "role claim (customer, operator, admin)")
	ttl := pflag.Duration("ttl", time.Hour, "token lifetime")
	pflag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logrus.Fatal("optoken: JWT_SECRET is not set")
	}
	tok, err := auth.NewAccessToken(secret, *userID, *role, *ttl, time.Now())
	if err != nil {
		logrus.WithError(err).Fatal("optoken: signing failed")
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}
