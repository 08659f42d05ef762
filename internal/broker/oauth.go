package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brokerbridge/internal/ingest"
)

const defaultOAuthTimeout = 15 * time.Second

// OAuthConfig describes an OAuth 1.0a brokerage API (the E*TRADE-style
// three-leg flow: request token, user authorization, verifier exchange).
type OAuthConfig struct {
	BaseURL         string
	RequestTokenURL string
	AuthorizeURL    string
	AccessTokenURL  string
	ConsumerKey     string
	ConsumerSecret  string
	CallbackURL     string
	Timeout         time.Duration
}

// OAuthAdapter implements the adapter contract for a live, token-based
// brokerage connection.
type OAuthAdapter struct {
	kind   string
	cfg    OAuthConfig
	client *http.Client
	log    *logrus.Logger
}

func NewOAuthAdapter(kind string, cfg OAuthConfig, log *logrus.Logger) *OAuthAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultOAuthTimeout
	}
	return &OAuthAdapter{kind: kind, cfg: cfg, client: &http.Client{Timeout: timeout}, log: log}
}

func (a *OAuthAdapter) Kind() string { return a.kind }

// StartAuthorization performs the first OAuth leg and returns the temporary
// credentials plus the URL the user must visit. The request token secret has
// to come back in AuthInput.Credentials when the verifier is exchanged.
func (a *OAuthAdapter) StartAuthorization(ctx context.Context) (token, secret, authorizeURL string, err error) {
	vals, err := a.tokenRequest(ctx, a.cfg.RequestTokenURL, map[string]string{"oauth_callback": a.cfg.CallbackURL}, "", "")
	if err != nil {
		return "", "", "", err
	}
	token = vals.Get("oauth_token")
	secret = vals.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return "", "", "", NewProvider("provider returned no request token", nil)
	}
	authorizeURL = fmt.Sprintf("%s?oauth_token=%s&oauth_consumer_key=%s",
		a.cfg.AuthorizeURL, url.QueryEscape(token), url.QueryEscape(a.cfg.ConsumerKey))
	return token, secret, authorizeURL, nil
}

func (a *OAuthAdapter) Authenticate(ctx context.Context, input AuthInput) (*Handle, error) {
	// re-sync path: stored access token, validated by hitting the account list
	if tok := input.Credentials["oauth_token"]; tok != "" {
		h := &Handle{Kind: a.kind, Secrets: input.Credentials}
		if _, err := a.ListAccounts(ctx, h); err != nil {
			return nil, err
		}
		return h, nil
	}

	if input.RequestToken == "" || input.Verifier == "" {
		return nil, NewValidation("request token and verifier are required", nil)
	}
	requestSecret := input.Credentials["request_token_secret"]

	vals, err := a.tokenRequest(ctx, a.cfg.AccessTokenURL, map[string]string{
		"oauth_token":    input.RequestToken,
		"oauth_verifier": input.Verifier,
	}, input.RequestToken, requestSecret)
	if err != nil {
		return nil, err
	}

	token := vals.Get("oauth_token")
	secret := vals.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return nil, NewProvider("provider returned no access token", nil)
	}
	return &Handle{Kind: a.kind, Secrets: map[string]string{
		"oauth_token":        token,
		"oauth_token_secret": secret,
	}}, nil
}

type accountsPayload struct {
	Accounts []struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname"`
		Number   string `json:"number"`
		Type     string `json:"type"`
	} `json:"accounts"`
}

func (a *OAuthAdapter) ListAccounts(ctx context.Context, h *Handle) ([]AccountInfo, error) {
	body, err := a.signedGet(ctx, a.cfg.BaseURL+"/v1/accounts", h)
	if err != nil {
		return nil, err
	}

	var payload accountsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewProvider("malformed account list from provider", nil)
	}

	accounts := make([]AccountInfo, 0, len(payload.Accounts))
	for _, acct := range payload.Accounts {
		accounts = append(accounts, AccountInfo{
			ExternalID:   acct.ID,
			Nickname:     acct.Nickname,
			MaskedNumber: MaskNumber(acct.Number),
			AccountType:  acct.Type,
		})
	}
	return accounts, nil
}

type positionsPayload struct {
	Positions []struct {
		Symbol       string `json:"symbol"`
		Quantity     string `json:"quantity"`
		AveragePrice string `json:"averagePrice"`
		LastPrice    string `json:"lastPrice"`
		MarketValue  string `json:"marketValue"`
		CostBasis    string `json:"costBasis"`
	} `json:"positions"`
}

func (a *OAuthAdapter) FetchPositions(ctx context.Context, h *Handle, account AccountInfo) ([]ingest.Position, error) {
	body, err := a.signedGet(ctx, a.cfg.BaseURL+"/v1/accounts/"+url.PathEscape(account.ExternalID)+"/positions", h)
	if err != nil {
		return nil, err
	}

	var payload positionsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewProvider("malformed positions from provider", nil)
	}

	out := make([]ingest.Position, 0, len(payload.Positions))
	for _, p := range payload.Positions {
		qty, err := decimal.NewFromString(p.Quantity)
		if err != nil {
			a.log.Warnf("provider position %s has bad quantity %q, skipping", p.Symbol, p.Quantity)
			continue
		}
		pos := ingest.Position{Symbol: p.Symbol, Quantity: qty}
		if d, err := decimal.NewFromString(p.AveragePrice); err == nil {
			pos.AveragePrice = d
			pos.HasAveragePrice = true
		}
		if d, err := decimal.NewFromString(p.LastPrice); err == nil {
			pos.LastPrice = d
			pos.HasLastPrice = true
		}
		if d, err := decimal.NewFromString(p.MarketValue); err == nil {
			pos.MarketValue = d
		}
		if d, err := decimal.NewFromString(p.CostBasis); err == nil {
			pos.CostBasis = d
		}
		out = append(out, pos)
	}
	return out, nil
}

func (a *OAuthAdapter) signedGet(ctx context.Context, rawURL string, h *Handle) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewProvider(err.Error(), nil)
	}
	a.sign(req, nil, h.Secrets["oauth_token"], h.Secrets["oauth_token_secret"])

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, NewProvider(fmt.Sprintf("provider request failed: %v", err), map[string]any{"retryable": true})
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewAuthExpired("broker rejected stored credentials")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, NewProvider(fmt.Sprintf("provider returned %d", resp.StatusCode), map[string]any{"retryable": true})
	}
	return body, nil
}

func (a *OAuthAdapter) tokenRequest(ctx context.Context, rawURL string, extra map[string]string, token, tokenSecret string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(""))
	if err != nil {
		return nil, NewProvider(err.Error(), nil)
	}
	a.sign(req, extra, token, tokenSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, NewProvider(fmt.Sprintf("provider request failed: %v", err), map[string]any{"retryable": true})
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, NewAuthExpired("provider rejected oauth credentials")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewProvider(fmt.Sprintf("provider returned %d", resp.StatusCode), map[string]any{"retryable": true})
	}
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, NewProvider("malformed token response", nil)
	}
	return vals, nil
}

// sign applies an OAuth 1.0a HMAC-SHA1 Authorization header.
func (a *OAuthAdapter) sign(req *http.Request, extra map[string]string, token, tokenSecret string) {
	params := map[string]string{
		"oauth_consumer_key":     a.cfg.ConsumerKey,
		"oauth_nonce":            nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        fmt.Sprintf("%d", time.Now().Unix()),
		"oauth_version":          "1.0",
	}
	if token != "" {
		params["oauth_token"] = token
	}
	for k, v := range extra {
		params[k] = v
	}
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	base := strings.Join([]string{
		req.Method,
		url.QueryEscape(req.URL.Scheme + "://" + req.URL.Host + req.URL.Path),
		url.QueryEscape(strings.Join(pairs, "&")),
	}, "&")

	mac := hmac.New(sha1.New, []byte(url.QueryEscape(a.cfg.ConsumerSecret)+"&"+url.QueryEscape(tokenSecret)))
	mac.Write([]byte(base))
	params["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var header strings.Builder
	header.WriteString("OAuth ")
	first := true
	for _, k := range append(keys, "oauth_signature") {
		if !strings.HasPrefix(k, "oauth_") {
			continue
		}
		if !first {
			header.WriteString(", ")
		}
		first = false
		header.WriteString(fmt.Sprintf("%s=%q", k, url.QueryEscape(params[k])))
	}
	req.Header.Set("Authorization", header.String())
}

func nonce() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
