package model

import (
	"time"

	"golang.org/x/oauth2"
)

// Credential is a user's delegated Gmail authorization
type Credential struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"tokenType"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Token returns the credential as an oauth2 token
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

// ApplyToken copies token material from t. An empty refresh token keeps the
// stored one, since Google only returns it on first consent.
func (c *Credential) ApplyToken(t *oauth2.Token) {
	c.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		c.RefreshToken = t.RefreshToken
	}
	if t.TokenType != "" {
		c.TokenType = t.TokenType
	}
	c.Expiry = t.Expiry
}
