// v2
// internal/sink/garmin/garmin.go
package garmin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/circuitbreaker"
)

const (
	// DefaultBaseURL is the Connect API host used by the mobile app.
	DefaultBaseURL = "https://connectapi.garmin.com"
	// TokenFileName is the OAuth2 token file stored per identity.
	TokenFileName = "oauth2_token.json"

	weightPath  = "/weight-service/user-weight"
	profilePath = "/userprofile-service/socialProfile"
	userAgent   = "GCM-iOS-5.7.2.1"
)

var (
	// ErrNotAuthenticated is returned by Upload before a successful Authenticate.
	ErrNotAuthenticated = errors.New("garmin: not authenticated")
	// ErrTokenExpired is returned when the stored token can no longer be used.
	ErrTokenExpired = errors.New("garmin: token expired")
	// ErrTokenMissing is returned when no token file exists for the identity.
	ErrTokenMissing = errors.New("garmin: no token for identity")
)

// Config configures the uploader.
type Config struct {
	BaseURL    string
	TokensPath string
	Timeout    time.Duration
	Breaker    circuitbreaker.Config
}

// Uploader posts body composition to Garmin Connect using pre-acquired
// OAuth2 tokens stored on disk, one directory per identity.
type Uploader struct {
	cfg Config
	log *slog.Logger
	hc  *circuitbreaker.HTTPClient
	now func() time.Time

	mu       sync.Mutex
	identity string
	token    *oauth2.Token
}

// New builds an uploader. The breaker's half-open probe is Probe.
func New(cfg Config, log *slog.Logger) *Uploader {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	u := &Uploader{cfg: cfg, log: log.With(slog.String("component", "garmin")), now: time.Now}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: identitySource{u: u},
			Base:   http.DefaultTransport,
		},
	}
	u.hc = circuitbreaker.NewHTTPClientWithProbe("garmin", cfg.Breaker, u.Probe, client, log)
	return u
}

// Breaker exposes the upload breaker for metrics.
func (u *Uploader) Breaker() *circuitbreaker.Breaker { return u.hc.Breaker() }

// Authenticate loads the token for identity. A token already loaded for the
// same identity is reused while it is valid.
func (u *Uploader) Authenticate(_ context.Context, identity string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.identity == identity && u.token != nil && u.valid(u.token) {
		return nil
	}

	tok, err := loadToken(u.tokenFile(identity))
	if err != nil {
		u.identity, u.token = "", nil
		return fmt.Errorf("authenticate %s: %w", identity, err)
	}
	if !u.valid(tok) {
		u.identity, u.token = "", nil
		return fmt.Errorf("authenticate %s: %w (expired %s)", identity, ErrTokenExpired, tok.Expiry.Format(time.RFC3339))
	}
	u.identity, u.token = identity, tok
	u.log.Info("garmin_authenticated", slog.String("identity", identity), slog.Time("expires", tok.Expiry))
	return nil
}

// Upload posts one weight entry for the authenticated identity.
func (u *Uploader) Upload(ctx context.Context, ts time.Time, m bodycomp.Metrics) error {
	u.mu.Lock()
	identity := u.identity
	u.mu.Unlock()
	if identity == "" {
		return ErrNotAuthenticated
	}

	body, err := json.Marshal(NewWeightPayload(ts, m))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.BaseURL+weightPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.hc.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", identity, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload %s: status %d: %s", identity, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	u.log.Info("garmin_uploaded",
		slog.String("identity", identity),
		slog.Float64("weight_kg", m.Weight),
		slog.Float64("fat_percent", m.FatPercent),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// Probe checks that the API answers for the authenticated identity. It
// bypasses the breaker; any status other than 200 counts as a failure.
func (u *Uploader) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.BaseURL+profilePath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := u.hc.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	var profile struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	u.log.Info("garmin_probe_ok", slog.String("display_name", profile.DisplayName))
	return nil
}

func (u *Uploader) valid(tok *oauth2.Token) bool {
	return tok.AccessToken != "" && (tok.Expiry.IsZero() || tok.Expiry.After(u.now()))
}

// tokenFile prefers <tokens_path>/<identity>/oauth2_token.json and falls back
// to a single shared token at <tokens_path>/oauth2_token.json.
func (u *Uploader) tokenFile(identity string) string {
	per := filepath.Join(u.cfg.TokensPath, identity, TokenFileName)
	if _, err := os.Stat(per); err == nil {
		return per
	}
	return filepath.Join(u.cfg.TokensPath, TokenFileName)
}

type identitySource struct{ u *Uploader }

func (s identitySource) Token() (*oauth2.Token, error) {
	s.u.mu.Lock()
	defer s.u.mu.Unlock()
	if s.u.token == nil {
		return nil, ErrNotAuthenticated
	}
	return s.u.token, nil
}

// storedToken is the on-disk OAuth2 token layout.
type storedToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	Scope        string `json:"scope"`
}

func loadToken(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTokenMissing, path)
		}
		return nil, err
	}
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if st.AccessToken == "" {
		return nil, fmt.Errorf("parse %s: empty access_token", path)
	}
	tok := &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		TokenType:    st.TokenType,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if st.ExpiresAt > 0 {
		tok.Expiry = time.Unix(st.ExpiresAt, 0)
	}
	return tok, nil
}

// WeightPayload is the body of POST /weight-service/user-weight.
type WeightPayload struct {
	Weight            int     `json:"weight"`
	UnitKey           string  `json:"unitKey"`
	TimestampGMT      int64   `json:"timestampGMT"`
	BMI               float64 `json:"bmi"`
	BodyFatPercentage float64 `json:"bodyFatPercentage"`
	BodyWater         float64 `json:"bodyWater"`
	BoneMass          int     `json:"boneMass"`
	MuscleMass        int     `json:"muscleMass"`
	VisceralFat       int     `json:"visceralFat"`
	MetabolicAge      int     `json:"metabolicAge"`
}

// NewWeightPayload converts metrics to Garmin units: masses in grams,
// timestamp in epoch milliseconds.
func NewWeightPayload(ts time.Time, m bodycomp.Metrics) WeightPayload {
	return WeightPayload{
		Weight:            int(m.Weight * 1000),
		UnitKey:           "kg",
		TimestampGMT:      ts.UnixMilli(),
		BMI:               roundTo(m.BMI, 2),
		BodyFatPercentage: roundTo(m.FatPercent, 1),
		BodyWater:         roundTo(m.WaterPercent, 1),
		BoneMass:          int(m.BoneMass * 1000),
		MuscleMass:        int(m.MuscleMass * 1000),
		VisceralFat:       int(m.VisceralFat),
		MetabolicAge:      int(m.MetabolicAge),
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
