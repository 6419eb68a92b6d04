// Package smartconnect is a minimal Angel One SmartAPI REST client: password
// plus TOTP login, token renewal and the market quote endpoint.
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: key})
//	if _, err := sc.GenerateSession(ctx, clientCode, pin, totpCode); err != nil { ... }
//	res, err := sc.GetMarketData(ctx, smartconnect.ModeOHLC, map[string][]string{"NSE": {"3045"}})
package smartconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Quote modes accepted by GetMarketData.
const (
	ModeLTP  = "LTP"
	ModeOHLC = "OHLC"
	ModeFull = "FULL"
)

// Config configures a SmartConnect client. Zero values get defaults.
type Config struct {
	APIKey string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	DisableSSL     bool          // InsecureSkipVerify, tests only
	UserType       string        // default: USER
	SourceID       string        // default: WEB
	ClientPublicIP string        // default: the local IP
	ClientLocalIP  string        // default: first non-loopback IPv4
	ClientMAC      string        // default: first interface MAC

	Logger *slog.Logger
}

// SmartConnect is safe for concurrent use; tokens are swapped under a lock.
type SmartConnect struct {
	apiKey  string
	rootURL string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string
	userID       string

	httpClient *http.Client
	userType   string
	sourceID   string

	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	log *slog.Logger

	// SessionExpiryHook is called when the API answers 403 TokenException.
	SessionExpiryHook func()
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",
	"api.ltp.data":     "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.market.data":  "/rest/secure/angelbroking/market/v1/quote",
}

// APIError is a SmartAPI error envelope or a status=false reply.
type APIError struct {
	StatusCode int
	ErrorType  string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.ErrorType != "":
		return fmt.Sprintf("smartconnect: %s: %s", e.ErrorType, e.Message)
	case e.Code != "":
		return fmt.Sprintf("smartconnect: %s (%s)", e.Message, e.Code)
	default:
		return fmt.Sprintf("smartconnect: http %d: %s", e.StatusCode, e.Message)
	}
}

// Temporary reports whether the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			cfg.Logger.Debug("local IP lookup failed", "err", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, cfg.ClientLocalIP)
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.DisableSSL,
		},
	}

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		httpClient:     &http.Client{Transport: tr, Timeout: cfg.Timeout},
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
		log:            cfg.Logger.With("component", "smartconnect"),
	}
}

// GetLocalIP returns the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String(), nil
		}
	}
	return "", errors.New("no local IP found")
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ---- Helpers ----

func (sc *SmartConnect) requestHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if tok := sc.AccessToken(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func (sc *SmartConnect) post(ctx context.Context, route string, params map[string]any) (map[string]any, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("smartconnect: unknown route %s", route)
	}
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: encode %s: %w", route, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders()

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("smartconnect: read %s: %w", route, err)
	}
	sc.log.Debug("response", "route", route, "status", resp.StatusCode, "bytes", len(raw))

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	// {"error_type": "TokenException", "message": "..."}
	if et, _ := out["error_type"].(string); et != "" {
		if sc.SessionExpiryHook != nil && resp.StatusCode == http.StatusForbidden && et == "TokenException" {
			sc.SessionExpiryHook()
		}
		msg, _ := out["message"].(string)
		return out, &APIError{StatusCode: resp.StatusCode, ErrorType: et, Message: msg}
	}
	if st, ok := out["status"].(bool); ok && !st {
		msg, _ := out["message"].(string)
		code, _ := out["errorcode"].(string)
		return out, &APIError{StatusCode: resp.StatusCode, Code: code, Message: msg}
	}
	if resp.StatusCode >= 400 {
		msg, _ := out["message"].(string)
		return out, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return out, nil
}

// ---- Tokens ----

func (sc *SmartConnect) AccessToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken
}

func (sc *SmartConnect) FeedToken() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.feedToken
}

func (sc *SmartConnect) UserID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.userID
}

func (sc *SmartConnect) setTokens(jwt, refresh, feed string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if jwt != "" {
		sc.accessToken = jwt
	}
	if refresh != "" {
		sc.refreshToken = refresh
	}
	if feed != "" {
		sc.feedToken = feed
	}
}

// ---- Session ----

// GenerateSession logs in with client code, PIN and a current TOTP code and
// stores the returned tokens.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totp string) (map[string]any, error) {
	res, err := sc.post(ctx, "api.login", map[string]any{
		"clientcode": clientCode, "password": password, "totp": totp,
	})
	if err != nil {
		return res, err
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return res, errors.New("smartconnect: unexpected login response format")
	}
	jwt, _ := data["jwtToken"].(string)
	refresh, _ := data["refreshToken"].(string)
	feed, _ := data["feedToken"].(string)
	if jwt == "" {
		return res, errors.New("smartconnect: login returned no jwt")
	}
	sc.setTokens(strings.TrimPrefix(jwt, "Bearer "), refresh, feed)

	sc.mu.Lock()
	sc.userID = clientCode
	sc.mu.Unlock()
	sc.log.Info("session ready", "client", clientCode)
	return res, nil
}

// RenewAccessToken exchanges the refresh token for a fresh JWT.
func (sc *SmartConnect) RenewAccessToken(ctx context.Context) error {
	sc.mu.RLock()
	refresh := sc.refreshToken
	sc.mu.RUnlock()
	if refresh == "" {
		return errors.New("smartconnect: no refresh token")
	}

	res, err := sc.post(ctx, "api.token", map[string]any{"refreshToken": refresh})
	if err != nil {
		return err
	}
	data, _ := res["data"].(map[string]any)
	jwt, _ := data["jwtToken"].(string)
	if jwt == "" {
		return errors.New("smartconnect: token renewal returned no jwt")
	}
	rt, _ := data["refreshToken"].(string)
	ft, _ := data["feedToken"].(string)
	sc.setTokens(strings.TrimPrefix(jwt, "Bearer "), rt, ft)
	return nil
}

func (sc *SmartConnect) TerminateSession(ctx context.Context) error {
	_, err := sc.post(ctx, "api.logout", map[string]any{"clientcode": sc.UserID()})
	sc.mu.Lock()
	sc.accessToken, sc.refreshToken, sc.feedToken = "", "", ""
	sc.mu.Unlock()
	return err
}

// ---- Market data ----

// GetMarketData fetches quotes for exchange -> tokens in one call.
func (sc *SmartConnect) GetMarketData(ctx context.Context, mode string, exchangeTokens map[string][]string) (map[string]any, error) {
	return sc.post(ctx, "api.market.data", map[string]any{"mode": mode, "exchangeTokens": exchangeTokens})
}

// GetLtpData fetches the last traded price of one instrument.
func (sc *SmartConnect) GetLtpData(ctx context.Context, exchange, tradingSymbol, token string) (map[string]any, error) {
	return sc.post(ctx, "api.ltp.data", map[string]any{
		"exchange": exchange, "tradingsymbol": tradingSymbol, "symboltoken": token,
	})
}
