package sfapi

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionSource obtains bearer tokens from the OAuth2 token endpoint,
// authenticating with a signed JWT assertion of the client's identity.
// It's wrapped in an oauth2.ReuseTokenSource which caches tokens until
// they near expiry.
type assertionSource struct {
	cfg  Config
	key  *rsa.PrivateKey
	http *http.Client
}

func (s *assertionSource) Token() (*oauth2.Token, error) {
	var now = time.Now()
	var claims = jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}
	var assertion, err = jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("signing client assertion: %w", err)
	}

	resp, err := s.http.PostForm(s.cfg.TokenURL, url.Values{
		"grant_type":            []string{s.cfg.GrantType},
		"client_id":             []string{s.cfg.ClientID},
		"client_assertion_type": []string{assertionType},
		"client_assertion":      []string{assertion},
	})
	if err != nil {
		return nil, fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("token endpoint returned %s: %s",
			resp.Status, strings.TrimSpace(string(body)))
	}

	var fetched struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	} else if fetched.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing an access token")
	}

	return &oauth2.Token{
		AccessToken: fetched.AccessToken,
		TokenType:   fetched.TokenType,
		Expiry:      now.Add(time.Duration(fetched.ExpiresIn) * time.Second),
	}, nil
}
