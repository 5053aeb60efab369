package domain

import (
	"github.com/dgrijalva/jwt-go"
)

const TokenIssuer = "tucanbit"

// MerchantClaim is the JWT payload issued to merchant dashboards and API clients.
type MerchantClaim struct {
	MerchantID string   `json:"merchant_id"`
	Scopes     []string `json:"scopes,omitempty"`
	jwt.StandardClaims
}

type Merchant struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	APIKey     string            `json:"-" yaml:"api_key"`
	WebhookURL string            `json:"webhook_url,omitempty" yaml:"webhook_url"`
	Wallets    map[string]string `json:"wallets,omitempty" yaml:"wallets"` // crypto symbol -> address
}
