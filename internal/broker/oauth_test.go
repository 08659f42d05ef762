package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOAuthAdapter(baseURL string) *OAuthAdapter {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewOAuthAdapter("etrade", OAuthConfig{
		BaseURL:         baseURL,
		RequestTokenURL: baseURL + "/oauth/request_token",
		AuthorizeURL:    baseURL + "/oauth/authorize",
		AccessTokenURL:  baseURL + "/oauth/access_token",
		ConsumerKey:     "ck",
		ConsumerSecret:  "cs",
		CallbackURL:     "oob",
	}, log)
}

func TestOAuthAdapter_AuthorizationFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "OAuth "), "missing oauth header")
		require.Contains(t, auth, "oauth_signature=")
		require.Contains(t, auth, `oauth_consumer_key="ck"`)

		switch r.URL.Path {
		case "/oauth/request_token":
			w.Write([]byte("oauth_token=req-tok&oauth_token_secret=req-sec"))
		case "/oauth/access_token":
			require.Contains(t, auth, `oauth_token="req-tok"`)
			w.Write([]byte("oauth_token=acc-tok&oauth_token_secret=acc-sec"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := newTestOAuthAdapter(srv.URL)
	ctx := context.Background()

	token, secret, authorizeURL, err := a.StartAuthorization(ctx)
	require.NoError(t, err)
	assert.Equal(t, "req-tok", token)
	assert.Equal(t, "req-sec", secret)
	assert.Contains(t, authorizeURL, "oauth_token=req-tok")

	h, err := a.Authenticate(ctx, AuthInput{
		RequestToken: token,
		Verifier:     "12345",
		Credentials:  map[string]string{"request_token_secret": secret},
	})
	require.NoError(t, err)
	assert.Equal(t, "acc-tok", h.Secrets["oauth_token"])
	assert.Equal(t, "acc-sec", h.Secrets["oauth_token_secret"])
}

func TestOAuthAdapter_MissingVerifier(t *testing.T) {
	a := newTestOAuthAdapter("http://unused.invalid")

	_, err := a.Authenticate(context.Background(), AuthInput{RequestToken: "tok"})
	require.Error(t, err)
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, CodeValidation, ae.Code)
}

func TestOAuthAdapter_ListAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/accounts":
			w.Write([]byte(`{"accounts":[{"id":"acc-1","nickname":"Main","number":"998877665","type":"MARGIN"}]}`))
		case "/v1/accounts/acc-1/positions":
			w.Write([]byte(`{"positions":[
				{"symbol":"AAPL","quantity":"10","averagePrice":"150.25","lastPrice":"182.50","marketValue":"1825.00","costBasis":"1502.50"},
				{"symbol":"BAD","quantity":"not-a-number"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := newTestOAuthAdapter(srv.URL)
	ctx := context.Background()
	h := &Handle{Kind: "etrade", Secrets: map[string]string{"oauth_token": "t", "oauth_token_secret": "s"}}

	accounts, err := a.ListAccounts(ctx, h)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc-1", accounts[0].ExternalID)
	assert.Equal(t, "****7665", accounts[0].MaskedNumber)
	assert.Equal(t, "MARGIN", accounts[0].AccountType)

	positions, err := a.FetchPositions(ctx, h, accounts[0])
	require.NoError(t, err)
	require.Len(t, positions, 1, "bad quantity row is skipped")
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, positions[0].HasAveragePrice)
	assert.True(t, positions[0].AveragePrice.Equal(decimal.RequireFromString("150.25")))
	assert.True(t, positions[0].HasLastPrice)
}

func TestOAuthAdapter_UnauthorizedMapsToAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := newTestOAuthAdapter(srv.URL)
	h := &Handle{Kind: "etrade", Secrets: map[string]string{"oauth_token": "stale", "oauth_token_secret": "s"}}

	_, err := a.ListAccounts(context.Background(), h)
	require.Error(t, err)
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, CodeAuthExpired, ae.Code)
}

func TestOAuthAdapter_ServerErrorMapsToProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestOAuthAdapter(srv.URL)
	h := &Handle{Kind: "etrade", Secrets: map[string]string{"oauth_token": "t", "oauth_token_secret": "s"}}

	_, err := a.ListAccounts(context.Background(), h)
	require.Error(t, err)
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, CodeProvider, ae.Code)
	assert.Equal(t, true, ae.Details["retryable"])
}
