package livecall

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/twh-onepiece/livecall/shared"
	"github.com/valyala/fasthttp"
)

// TokenProvider supplies the join credential for a named channel. Engines
// that do not gate joins can be paired with StaticTokenProvider or a nil
// provider.
type TokenProvider interface {
	Token(ctx context.Context, channelName string, uid uint32, role string) (string, error)
}

// StaticTokenProvider returns a fixed value; useful for development
// backends that accept any token.
type StaticTokenProvider struct {
	Value string
}

func (p StaticTokenProvider) Token(context.Context, string, uint32, string) (string, error) {
	return p.Value, nil
}

type tokenRequest struct {
	ChannelName string `json:"channel_name"`
	UID         uint32 `json:"uid"`
	Role        string `json:"role"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HTTPTokenProvider fetches a token from an issuing endpoint per join.
type HTTPTokenProvider struct {
	URL string
}

func (p HTTPTokenProvider) Token(ctx context.Context, channelName string, uid uint32, role string) (string, error) {
	body, err := sonic.Marshal(tokenRequest{ChannelName: channelName, UID: uid, Role: role})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(p.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	status, respBody, err := doRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &shared.ConnectionError{Endpoint: p.URL, Err: err}
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", status, string(respBody))
	}
	var out tokenResponse
	if err := sonic.Unmarshal(respBody, &out); err != nil {
		return "", &shared.ProtocolDecodeError{Payload: respBody, Err: err}
	}
	if out.Token == "" {
		return "", fmt.Errorf("token response carried no token")
	}
	return out.Token, nil
}
