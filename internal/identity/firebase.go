package identity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultToolkitURL はFirebase Identity Toolkit REST APIのベースURL。
const DefaultToolkitURL = "https://identitytoolkit.googleapis.com/v1"

// レスポンスボディの読み取り上限
const maxResponseBytes = 1 << 20

// FirebaseConfig はFirebaseIssuerの設定。
type FirebaseConfig struct {
	APIKey string
	// テスト・エミュレータ用にオーバーライド可能なURL
	BaseURL string
}

// FirebaseIssuer はFirebase Identity Toolkit REST APIによるIssuerの実装。
type FirebaseIssuer struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// NewFirebaseIssuer はFirebaseIssuerを生成する。
func NewFirebaseIssuer(httpClient *http.Client, cfg FirebaseConfig) *FirebaseIssuer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultToolkitURL
	}
	return &FirebaseIssuer{
		httpClient: httpClient,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

type passwordRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type updateProfileRequest struct {
	IDToken           string `json:"idToken"`
	DisplayName       string `json:"displayName"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

// tokenResponse はaccounts:signUp / accounts:signInWithPasswordのレスポンス。
// expiresInは秒数の文字列で返される。
type tokenResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignUp はaccounts:signUpでidentityを作成する。
func (f *FirebaseIssuer) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	var resp tokenResponse
	if err := f.post(ctx, "accounts:signUp", passwordRequest{Email: email, Password: password, ReturnSecureToken: true}, &resp); err != nil {
		return nil, err
	}
	return resp.toIdentity()
}

// SignIn はaccounts:signInWithPasswordで資格情報を検証する。
func (f *FirebaseIssuer) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	var resp tokenResponse
	if err := f.post(ctx, "accounts:signInWithPassword", passwordRequest{Email: email, Password: password, ReturnSecureToken: true}, &resp); err != nil {
		return nil, err
	}
	return resp.toIdentity()
}

// UpdateDisplayName はaccounts:updateで表示名を設定する。
func (f *FirebaseIssuer) UpdateDisplayName(ctx context.Context, idToken, displayName string) error {
	return f.post(ctx, "accounts:update", updateProfileRequest{IDToken: idToken, DisplayName: displayName}, nil)
}

func (r *tokenResponse) toIdentity() (*Identity, error) {
	if r.LocalID == "" {
		return nil, fmt.Errorf("%w: response without localId", ErrIssuerUnavailable)
	}
	expiresIn, _ := strconv.Atoi(r.ExpiresIn)
	return &Identity{
		ExternalID:   r.LocalID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// post はIdentity ToolkitのエンドポイントにJSONをPOSTする。
// 4xxはIssuerError、通信エラーと5xxはErrIssuerUnavailableをラップして返す。
func (f *FirebaseIssuer) post(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint := f.baseURL + "/" + method + "?key=" + url.QueryEscape(f.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIssuerUnavailable, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read %s response: %v", ErrIssuerUnavailable, method, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s returned status %d", ErrIssuerUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return parseIssuerError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: failed to parse %s response: %v", ErrIssuerUnavailable, method, err)
	}
	return nil
}

// parseIssuerError はFirebaseのエラーボディからエラーコードを取り出す。
// messageは "WEAK_PASSWORD : Password should be at least 6 characters" のように
// コードの後に説明が続く場合がある。
func parseIssuerError(status int, body []byte) *IssuerError {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Message == "" {
		return &IssuerError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	code, _, _ := strings.Cut(er.Error.Message, " : ")
	return &IssuerError{
		Status:  status,
		Code:    strings.TrimSpace(code),
		Message: er.Error.Message,
	}
}

var _ Issuer = (*FirebaseIssuer)(nil)
