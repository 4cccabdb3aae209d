// Command tokengen issues and inspects bearer tokens for the quota service.
//
// Usage:
//
//	tokengen issue --user u-42 --tier PRO
//	tokengen issue --user ops --role admin --expiry 1h
//	tokengen verify <token>
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"quota-backend/pkg/jwt"
	"quota-backend/pkg/ratelimit"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Issue  IssueCmd  `cmd:"" help:"Issue a signed token."`
	Verify VerifyCmd `cmd:"" help:"Validate a token and print its claims."`

	Secret string `help:"HMAC signing secret." env:"JWT_SECRET"`
}

func (c *CLI) jwtUtil(expiry time.Duration) (*jwt.JWTUtil, error) {
	if c.Secret == "" {
		return nil, errors.New("signing secret is required (--secret or JWT_SECRET)")
	}
	return jwt.NewJWTUtil(c.Secret, expiry), nil
}

// IssueCmd signs a new token.
type IssueCmd struct {
	User   string        `required:"" help:"User identifier placed in the token."`
	Email  string        `help:"Email claim."`
	Role   string        `default:"user" enum:"user,admin" help:"Role claim (user or admin)."`
	Tier   string        `default:"FREE" help:"Subscription tier (FREE, PRO or ENTERPRISE)."`
	Expiry time.Duration `default:"24h" help:"Token lifetime."`
}

func (c *IssueCmd) Run(cli *CLI) error {
	util, err := cli.jwtUtil(c.Expiry)
	if err != nil {
		return err
	}
	tier := ratelimit.ParseTier(c.Tier)
	if applied := ratelimit.DefaultRegistry().Resolve(tier); applied != tier {
		fmt.Fprintf(os.Stderr, "warning: unknown tier %q, the service will apply %s\n", c.Tier, applied)
	}

	token, err := util.GenerateTokenWithExpiry(c.User, c.Email, c.Role, string(tier), c.Expiry)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// VerifyCmd validates a token.
type VerifyCmd struct {
	Token string `arg:"" help:"Token to validate."`
}

func (c *VerifyCmd) Run(cli *CLI) error {
	util, err := cli.jwtUtil(0)
	if err != nil {
		return err
	}
	claims, err := util.ValidateToken(c.Token)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"userId":    claims.UserID,
		"email":     claims.Email,
		"role":      claims.Role,
		"tier":      claims.Tier,
		"expiresAt": claims.ExpiresAt.Time.UTC(),
	})
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("tokengen"),
		kong.Description("Issue bearer tokens for the quota service"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
