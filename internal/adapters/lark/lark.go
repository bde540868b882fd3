package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"cardstream/internal/provider"
	"cardstream/pkg/logx"
)

const defaultBaseURL = "https://open.feishu.cn"

// Lark error codes that mean the token itself is bad; the caller should
// refresh the credential rather than retry the same one.
const (
	codeTokenInvalid = 99991663
	codeTokenExpired = 99991661
)

type Config struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// Adapter delivers streaming content to Lark/Feishu conversations. Creates
// go through im/v1/messages; updates use PUT (text) or PATCH (card).
// Tenant access tokens are short-lived and fetched from the auth endpoint.
type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	base string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errors.New("lark app_id and app_secret are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: 8 * time.Second},
		base: base,
	}, nil
}

func (a *Adapter) FetchCredential(ctx context.Context, identity string) (provider.Credential, error) {
	body, _ := json.Marshal(map[string]string{
		"app_id":     a.cfg.AppID,
		"app_secret": a.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.base+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return provider.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := a.http.Do(req)
	if err != nil {
		return provider.Credential{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode/100 != 2 || out.Code != 0 {
		return provider.Credential{}, fmt.Errorf("tenant_access_token failed: %s (code=%d http=%d)", out.Msg, out.Code, resp.StatusCode)
	}
	return provider.Credential{
		Value:     out.TenantAccessToken,
		ExpiresAt: time.Now().Add(time.Duration(out.Expire) * time.Second),
	}, nil
}

func (a *Adapter) CreateMessage(ctx context.Context, cred provider.Credential, ref provider.ConversationRef, content string, mode provider.RenderMode) (provider.CreateResult, error) {
	msgType, msgContent, err := renderContent(content, mode)
	if err != nil {
		return provider.CreateResult{}, err
	}
	body, _ := json.Marshal(map[string]string{
		"receive_id": ref.ChatID,
		"msg_type":   msgType,
		"content":    msgContent,
		// Client-side idempotency key: a retried create must not fan out
		// into duplicate messages.
		"uuid": uuid.NewString(),
	})
	raw, err := a.call(ctx, cred, http.MethodPost,
		"/open-apis/im/v1/messages?receive_id_type=chat_id", body)
	if err != nil {
		return provider.CreateResult{}, err
	}

	var out struct {
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.CreateResult{}, fmt.Errorf("decode create response: %w", err)
	}
	if out.Data.MessageID == "" {
		return provider.CreateResult{}, errors.New("create response carried no message_id")
	}
	return provider.CreateResult{TargetID: out.Data.MessageID, Raw: raw}, nil
}

func (a *Adapter) UpdateMessage(ctx context.Context, cred provider.Credential, targetID, content string, mode provider.RenderMode) ([]byte, error) {
	msgType, msgContent, err := renderContent(content, mode)
	if err != nil {
		return nil, err
	}
	// Text edits use PUT, card (interactive) edits use PATCH.
	method := http.MethodPut
	payload := map[string]string{"msg_type": msgType, "content": msgContent}
	if msgType == "interactive" {
		method = http.MethodPatch
		payload = map[string]string{"content": msgContent}
	}
	body, _ := json.Marshal(payload)
	return a.call(ctx, cred, method, "/open-apis/im/v1/messages/"+targetID, body)
}

// renderContent maps the opaque render mode onto Lark message types:
// plain text stays a text message, markdown becomes an interactive card.
func renderContent(content string, mode provider.RenderMode) (msgType, msgContent string, err error) {
	if mode == provider.RenderMarkdown {
		card := map[string]any{
			"config": map[string]any{"wide_screen_mode": true},
			"elements": []any{
				map[string]any{"tag": "markdown", "content": content},
			},
		}
		b, err := json.Marshal(card)
		if err != nil {
			return "", "", err
		}
		return "interactive", string(b), nil
	}
	b, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return "", "", err
	}
	return "text", string(b), nil
}

func (a *Adapter) call(ctx context.Context, cred provider.Credential, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+cred.Value)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode/100 == 2 && out.Code == 0 {
		return raw, nil
	}

	apiErr := fmt.Errorf("lark %s %s: %s (code=%d http=%d)", method, path, out.Msg, out.Code, resp.StatusCode)
	return nil, classify(resp.StatusCode, out.Code, apiErr)
}

// classify marks rejections Lark documents as permanent for a message:
// the object is gone or the app lost access. Bad-token codes are tagged as
// credential rejections so the dispatcher drops the cached token and retries
// with a fresh one.
func classify(httpStatus, code int, err error) error {
	if code == codeTokenInvalid || code == codeTokenExpired {
		return provider.RejectedCredential(err)
	}
	switch httpStatus {
	case http.StatusForbidden:
		return provider.Terminal("forbidden", err)
	case http.StatusNotFound:
		return provider.Terminal("not_found", err)
	}
	return err
}
