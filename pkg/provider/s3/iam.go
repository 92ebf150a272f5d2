package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/3leaps/gocirrus/pkg/provider"
)

// tokenRefreshSkew is how long before expiry a cached token is refreshed.
const tokenRefreshSkew = 60 * time.Second

// iamGrantType is the IBM IAM grant type for API key exchange.
const iamGrantType = "urn:ibm:params:oauth:grant-type:apikey"

// iamTokenSource exchanges an IBM IAM API key for a bearer token and caches
// it until shortly before expiry. Safe for concurrent use; a refresh holds
// the lock so at most one exchange is in flight.
type iamTokenSource struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newIAMTokenSource(endpoint, apiKey string) *iamTokenSource {
	if endpoint == "" {
		endpoint = DefaultIAMTokenEndpoint
	}
	return &iamTokenSource{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns a valid bearer token, exchanging the API key if the cached
// token is missing or close to expiry.
func (s *iamTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry.Add(-tokenRefreshSkew)) {
		return s.token, nil
	}

	token, expiry, err := s.exchange(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiry = expiry
	return s.token, nil
}

type iamTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

func (s *iamTokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", iamGrantType)
	form.Set("apikey", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build iam token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("iam token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return "", time.Time{}, fmt.Errorf("iam token exchange rejected (%d): %s: %w",
				resp.StatusCode, strings.TrimSpace(string(body)), provider.ErrInvalidCredentials)
		}
		return "", time.Time{}, fmt.Errorf("iam token exchange failed (%d): %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr iamTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decode iam token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("iam token response missing access_token")
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresIn <= 0 && tr.Expiration > 0 {
		expiry = time.Unix(tr.Expiration, 0)
	}

	return tr.AccessToken, expiry, nil
}

// bearerTokenMiddleware injects the IAM bearer token into every request.
//
// It runs in the Finalize step after signing; the provider uses anonymous
// AWS credentials in API-key mode, so no SigV4 Authorization header
// competes with the bearer token.
type bearerTokenMiddleware struct {
	tokens *iamTokenSource
}

// ID identifies the middleware in the stack.
func (*bearerTokenMiddleware) ID() string { return "COSBearerToken" }

// HandleFinalize sets the Authorization header on the outgoing HTTP request.
func (m *bearerTokenMiddleware) HandleFinalize(
	ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler,
) (middleware.FinalizeOutput, middleware.Metadata, error) {
	req, ok := in.Request.(*smithyhttp.Request)
	if !ok {
		return next.HandleFinalize(ctx, in)
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return middleware.FinalizeOutput{}, middleware.Metadata{}, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return next.HandleFinalize(ctx, in)
}

// withBearerToken returns an API option that installs the bearer-token
// middleware on a client's stack.
func withBearerToken(tokens *iamTokenSource) func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Finalize.Add(&bearerTokenMiddleware{tokens: tokens}, middleware.After)
	}
}
