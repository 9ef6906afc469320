package mailer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/premail/premail/internal/logger"
)

// Transmitter sends a message on behalf of a user.
// This abstraction lets the dispatcher and the HTTP layer be tested without Gmail.
type Transmitter interface {
	Send(ctx context.Context, userID string, msg Message) (*Result, error)
}

// Result is the outcome of a successful send
type Result struct {
	// MessageID is the provider's id for the sent message.
	MessageID string
	// RefreshedToken is set when the user's token was refreshed during the
	// send. It has already been persisted.
	RefreshedToken *oauth2.Token
}

// Authorizer runs fn with an HTTP client authorized as userID and returns
// any refreshed token. credential.Provider implements it.
type Authorizer interface {
	Do(ctx context.Context, userID string, fn func(ctx context.Context, client *http.Client) error) (*oauth2.Token, error)
}

// GmailTransmitter implements Transmitter using the Gmail API
type GmailTransmitter struct {
	auth     Authorizer
	endpoint string
	now      func() time.Time
	log      *logger.Logger
}

// NewGmailTransmitter creates a new GmailTransmitter. An empty endpoint uses
// the public Gmail API.
func NewGmailTransmitter(auth Authorizer, endpoint string, log *logger.Logger) *GmailTransmitter {
	return &GmailTransmitter{
		auth:     auth,
		endpoint: endpoint,
		now:      time.Now,
		log:      log.WithComponent("gmail_transmitter"),
	}
}

// Send validates, encodes and submits msg as userID ("me"). The returned
// error is classified (see Reason). A token refreshed before a failed
// request is still reported in the Result.
func (g *GmailTransmitter) Send(ctx context.Context, userID string, msg Message) (*Result, error) {
	raw, err := Build(msg, g.now())
	if err != nil {
		return nil, err
	}
	encoded := Encode(raw)

	var sent *gmail.Message
	refreshed, err := g.auth.Do(ctx, userID, func(ctx context.Context, client *http.Client) error {
		opts := []option.ClientOption{option.WithHTTPClient(client)}
		if g.endpoint != "" {
			opts = append(opts, option.WithEndpoint(g.endpoint))
		}
		svc, err := gmail.NewService(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create gmail service: %w", err)
		}

		sent, err = svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
		return err
	})

	result := &Result{RefreshedToken: refreshed}
	if err != nil {
		g.log.Debug().Err(err).Str("user_id", userID).Msg("Gmail send failed")
		return result, classify(err)
	}

	result.MessageID = sent.Id
	return result, nil
}
