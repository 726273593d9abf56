package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zulandar/dingline/internal/telegraph"
	"golang.org/x/oauth2"
)

const (
	// DefaultAPIBaseURL hosts the v1.0 robot, gateway and media download APIs.
	DefaultAPIBaseURL = "https://api.dingtalk.com"
	// DefaultOAPIBaseURL hosts the legacy token and media upload APIs.
	DefaultOAPIBaseURL = "https://oapi.dingtalk.com"

	pathGatewayOpen   = "/v1.0/gateway/connections/open"
	pathPrivateSend   = "/v1.0/robot/oToMessages/batchSend"
	pathGroupSend     = "/v1.0/robot/groupMessages/send"
	pathPrivateRecall = "/v1.0/robot/otoMessages/batchRecall"
	pathGroupRecall   = "/v1.0/robot/groupMessages/recall"
	pathDownload      = "/v1.0/robot/messageFiles/download"

	topicBotMessage = "/v1.0/im/bot/messages/get"
	topicGraphAPI   = "/v1.0/graph/api/invoke"

	// maxMediaBytes bounds media fetched for upload (DingTalk rejects files over 20MB).
	maxMediaBytes = 20 << 20
)

// subscription is one entry of the gateway subscription list.
type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// subscriptions is the fixed list sent on every gateway negotiation.
var subscriptions = []subscription{
	{Type: "EVENT", Topic: "*"},
	{Type: "CALLBACK", Topic: topicBotMessage},
	{Type: "CALLBACK", Topic: topicGraphAPI},
}

// Media identifies uploaded media.
type Media struct {
	ID   string
	Type string // file extension of the uploaded source, e.g. "pdf"
}

// MediaStore resolves inbound download codes and uploads outbound media.
type MediaStore interface {
	Download(ctx context.Context, downloadCode string) (string, error)
	Upload(ctx context.Context, source, mediaType string) (Media, error)
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// restClient speaks the DingTalk HTTP APIs. Calls against the v1.0 API are
// authenticated through an oauth2.Transport backed by the token manager.
type restClient struct {
	apiBase      string
	oapiBase     string
	clientID     string
	clientSecret string
	plain        *http.Client
	authed       *http.Client
	tokens       oauth2.TokenSource
}

func newRESTClient(apiBase, oapiBase, clientID, clientSecret string, plain *http.Client) *restClient {
	return &restClient{
		apiBase:      strings.TrimRight(apiBase, "/"),
		oapiBase:     strings.TrimRight(oapiBase, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		plain:        plain,
	}
}

// useTokens installs the token source for authenticated calls.
func (c *restClient) useTokens(src oauth2.TokenSource) {
	c.tokens = src
	base := c.plain.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.authed = &http.Client{
		Timeout:   c.plain.Timeout,
		Transport: &oauth2.Transport{Source: src, Base: base},
	}
}

// fetchToken requests a fresh access token.
func (c *restClient) fetchToken(ctx context.Context) (tokenResponse, error) {
	q := url.Values{"appkey": {c.clientID}, "appsecret": {c.clientSecret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.oapiBase+"/gettoken?"+q.Encode(), nil)
	if err != nil {
		return tokenResponse{}, &AuthError{Err: err}
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		return tokenResponse{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tokenResponse{}, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK || tr.ErrCode != 0 || tr.AccessToken == "" {
		return tokenResponse{}, &AuthError{StatusCode: resp.StatusCode, Code: tr.ErrCode, Message: tr.ErrMsg}
	}
	return tr, nil
}

// openGateway negotiates a stream endpoint and returns the socket URL.
func (c *restClient) openGateway(ctx context.Context, token string) (string, error) {
	body := map[string]any{
		"clientId":      c.clientID,
		"clientSecret":  c.clientSecret,
		"ua":            "dingline",
		"subscriptions": subscriptions,
	}
	var out struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	header := http.Header{"x-acs-dingtalk-access-token": {token}}
	if err := c.doJSON(ctx, c.plain, c.apiBase+pathGatewayOpen, header, body, &out); err != nil {
		return "", &HandshakeError{Reason: "open connection", Err: err}
	}
	if out.Endpoint == "" || out.Ticket == "" {
		return "", &HandshakeError{Reason: "response missing endpoint or ticket"}
	}
	u, err := url.Parse(out.Endpoint)
	if err != nil {
		return "", &HandshakeError{Reason: "invalid endpoint", Err: err}
	}
	q := u.Query()
	q.Set("ticket", out.Ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// send posts one encoded element and returns its processQueryKey.
func (c *restClient) send(ctx context.Context, target telegraph.Target, enc Encoded) (string, error) {
	params, err := json.Marshal(enc.Params)
	if err != nil {
		return "", fmt.Errorf("dingtalk: marshal %s params: %w", enc.Key, err)
	}
	body := map[string]any{
		"robotCode": c.clientID,
		"msgKey":    enc.Key,
		"msgParam":  string(params),
	}
	endpoint := pathPrivateSend
	switch target.Kind {
	case telegraph.TargetGroup:
		endpoint = pathGroupSend
		body["openConversationId"] = target.ID
	case telegraph.TargetPrivate:
		body["userIds"] = []string{target.ID}
	default:
		return "", fmt.Errorf("dingtalk: unknown target kind %q", target.Kind)
	}

	var out struct {
		ProcessQueryKey string `json:"processQueryKey"`
	}
	if err := c.postAPI(ctx, endpoint, body, &out); err != nil {
		return "", err
	}
	return out.ProcessQueryKey, nil
}

// recall withdraws a sent message; it reports whether the server listed the
// receipt among its successful recalls.
func (c *restClient) recall(ctx context.Context, target telegraph.Target, receipt string) (bool, error) {
	body := map[string]any{
		"robotCode":        c.clientID,
		"processQueryKeys": []string{receipt},
	}
	endpoint := pathPrivateRecall
	if target.Kind == telegraph.TargetGroup {
		endpoint = pathGroupRecall
		body["openConversationId"] = target.ID
	}
	var out struct {
		SuccessResult []string `json:"successResult"`
	}
	if err := c.postAPI(ctx, endpoint, body, &out); err != nil {
		return false, err
	}
	return slices.Contains(out.SuccessResult, receipt), nil
}

// Download resolves a message file download code into a fetchable URL.
func (c *restClient) Download(ctx context.Context, downloadCode string) (string, error) {
	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	body := map[string]string{"downloadCode": downloadCode, "robotCode": c.clientID}
	if err := c.postAPI(ctx, pathDownload, body, &out); err != nil {
		return "", fmt.Errorf("dingtalk: download %s: %w", downloadCode, err)
	}
	return out.DownloadURL, nil
}

// Upload sends media from a URL or local path to the media store.
// mediaType is one of image, voice, video or file.
func (c *restClient) Upload(ctx context.Context, source, mediaType string) (Media, error) {
	data, name, err := c.fetchSource(ctx, source)
	if err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("media", name)
	if err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}
	if _, err := part.Write(data); err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}
	if err := w.Close(); err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}

	q := url.Values{"access_token": {tok.AccessToken}, "type": {mediaType}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oapiBase+"/media/upload?"+q.Encode(), &buf)
	if err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.plain.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: %w", source, err)
	}
	defer resp.Body.Close()

	var out struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Media{}, fmt.Errorf("dingtalk: upload %s: decode: %w", source, err)
	}
	if out.ErrCode != 0 || out.MediaID == "" {
		return Media{}, fmt.Errorf("dingtalk: upload %s: errcode %d: %s", source, out.ErrCode, out.ErrMsg)
	}
	return Media{ID: out.MediaID, Type: strings.TrimPrefix(filepath.Ext(name), ".")}, nil
}

// fetchSource reads media bytes from an http(s) URL or a local file.
func (c *restClient) fetchSource(ctx context.Context, source string) ([]byte, string, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, "", err
		}
		return data, filepath.Base(source), nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", err
	}
	return data, path.Base(u.Path), nil
}

// postAPI performs an authenticated JSON POST against the v1.0 API.
func (c *restClient) postAPI(ctx context.Context, endpoint string, body, out any) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return err
	}
	header := http.Header{"x-acs-dingtalk-access-token": {tok.AccessToken}}
	return c.doJSON(ctx, c.authed, c.apiBase+endpoint, header, body, out)
}

func (c *restClient) doJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
