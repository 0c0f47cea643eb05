package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"ticketsync/pkg/httputil"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const (
	sheetsScope     = "https://www.googleapis.com/auth/spreadsheets"
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tokenCacheKey   = "access_token"
	// refresh this long before Google's stated expiry
	tokenExpirySkew = time.Minute
)

// TokenSource yields a bearer token for the Sheets API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("static Sheets token is empty")
	}
	return string(s), nil
}

// ServiceAccountTokenSource exchanges a signed JWT assertion for an access
// token and caches it until shortly before expiry.
type ServiceAccountTokenSource struct {
	key        serviceAccountKey
	httpClient *resty.Client
	cache      *cache.Cache
	now        func() time.Time
}

// NewServiceAccountTokenSource parses a service-account JSON key.
func NewServiceAccountTokenSource(keyJSON []byte) (*ServiceAccountTokenSource, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(keyJSON, &key); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account key is missing client_email or private_key")
	}
	if key.TokenURI == "" {
		key.TokenURI = defaultTokenURI
	}
	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey)); err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}

	log.Info().Str("clientEmail", key.ClientEmail).Msg("Google service account configured")

	return &ServiceAccountTokenSource{
		key:        key,
		httpClient: httputil.NewRestyClient(""),
		cache:      cache.New(cache.NoExpiration, 10*time.Minute),
		now:        time.Now,
	}, nil
}

// NewServiceAccountTokenSourceFromFile reads the key from disk.
func NewServiceAccountTokenSourceFromFile(path string) (*ServiceAccountTokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account file %s: %w", path, err)
	}
	return NewServiceAccountTokenSource(data)
}

// Token implements TokenSource.
func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	if cached, found := s.cache.Get(tokenCacheKey); found {
		return cached.(string), nil
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return "", err
	}

	var result tokenResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type": jwtBearerGrant,
			"assertion":  assertion,
		}).
		SetResult(&result).
		Post(s.key.TokenURI)
	if err != nil {
		return "", fmt.Errorf("Google token exchange request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Int("statusCode", resp.StatusCode()).Str("responseBody", httputil.Truncate(resp.Body())).Msg("Google token exchange returned an error")
		return "", fmt.Errorf("Google token exchange error: status %d", resp.StatusCode())
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("Google token exchange returned no access_token")
	}

	ttl := time.Duration(result.ExpiresIn)*time.Second - tokenExpirySkew
	if ttl > 0 {
		s.cache.Set(tokenCacheKey, result.AccessToken, ttl)
	}
	return result.AccessToken, nil
}

func (s *ServiceAccountTokenSource) signAssertion() (string, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.key.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse service account private key: %w", err)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.key.ClientEmail,
		"scope": sheetsScope,
		"aud":   s.key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.key.PrivateKeyID != "" {
		token.Header["kid"] = s.key.PrivateKeyID
	}
	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign service account assertion: %w", err)
	}
	return signed, nil
}
