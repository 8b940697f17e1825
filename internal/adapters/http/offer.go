package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// OfferProxy forwards SDP offers to the upstream media endpoint and returns
// the answer body verbatim, including upstream error bodies on non-2xx.
type OfferProxy struct {
	upstream string
	http     *resty.Client
}

func NewOfferProxy(upstream string) *OfferProxy {
	return &OfferProxy{upstream: upstream, http: resty.New()}
}

func (p *OfferProxy) Handle(c *gin.Context) {
	if p.upstream == "" {
		c.String(http.StatusServiceUnavailable, "no upstream offer endpoint configured")
		return
	}

	offer, err := io.ReadAll(c.Request.Body)
	if err != nil || len(offer) == 0 {
		c.String(http.StatusBadRequest, "missing SDP offer body")
		return
	}

	resp, err := p.http.R().
		SetContext(c.Request.Context()).
		SetHeader("Content-Type", "application/sdp").
		SetQueryParam("model", c.Query("model")).
		SetBody(offer).
		Post(p.upstream)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("offer proxy upstream error")
		c.String(http.StatusBadGateway, "upstream exchange failed: %v", err)
		return
	}

	log.Info().Str("module", "adapters.http").Int("status", resp.StatusCode()).Msg("offer exchanged")
	c.Data(resp.StatusCode(), "application/sdp", resp.Body())
}
