package netcheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dep2p/go-magicnet/pkg/types"
)

const (
	captivePortalTimeout = 2 * time.Second
	captivePortalPath    = "/generate_204"
)

// checkCaptivePortal 请求中继的 /generate_204，响应不是 204 即认为存在强制门户
func (c *Client) checkCaptivePortal(ctx context.Context, relay types.RelayURL) (bool, error) {
	u, err := relay.Parse()
	if err != nil {
		return false, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = captivePortalPath
	u.RawQuery = ""

	ctx, cancel := context.WithTimeout(ctx, captivePortalTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("captive portal probe: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode != http.StatusNoContent, nil
}
