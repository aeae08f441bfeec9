package credentials

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OAuthRefresher performs the refresh-token grant against a token endpoint.
type OAuthRefresher struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
}

// NewOAuthRefresher returns a refresher with a bounded request timeout.
func NewOAuthRefresher(tokenURL, clientID string) *OAuthRefresher {
	return &OAuthRefresher{
		TokenURL:   tokenURL,
		ClientID:   clientID,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	conf := &oauth2.Config{
		ClientID: r.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	// An expired token with only a refresh token forces the grant.
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Token{}, classify(err)
	}

	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(time.Until(tok.Expiry) / time.Second)
	}
	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

func classify(err error) *RefreshError {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return &RefreshError{Kind: KindNetwork, Err: err}
	}
	if rerr.ErrorCode == "invalid_grant" {
		return &RefreshError{Kind: KindInvalidGrant, Err: err}
	}
	if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
		return &RefreshError{Kind: KindServer, Err: err}
	}
	if rerr.Response != nil && rerr.Response.StatusCode >= 400 {
		return &RefreshError{Kind: KindInvalidGrant, Err: err}
	}
	return &RefreshError{Kind: KindServer, Err: err}
}
