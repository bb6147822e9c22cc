package request

import (
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// New builds a resty client for exchange calls. The connect timeout is
// shorter than, and nested inside, the total request timeout so a dead
// endpoint fails fast.
func New(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
		}).
		SetTimeout(timeout)
}
