package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/pkg/config"
	"github.com/quantbot/goquant/pkg/ratelimit"
)

var restLog = logrus.WithField("component", "gateway")

// RESTGateway REST 执行网关。
// 所有请求先过令牌桶限流，再走 resty 客户端（带重试和 429 退避）。
type RESTGateway struct {
	client  *resty.Client
	limiter *ratelimit.TokenBucket
}

// NewRESTGateway 创建 REST 网关
func NewRESTGateway(cfg config.GatewayConfig) *RESTGateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout.D()).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先用服务端的 Retry-After
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	rate := cfg.RateLimit
	if rate <= 0 {
		rate = 10
	}

	return &RESTGateway{
		client:  client,
		limiter: ratelimit.NewTokenBucket(rate, float64(rate)),
	}
}

type submitResponse struct {
	OrderID  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
	Note     string `json:"note"`
}

// Submit 提交订单
func (g *RESTGateway) Submit(ctx context.Context, order domain.Order) (domain.OrderAck, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.OrderAck{}, errors.Wrap(err, "rate limit wait")
	}

	body := map[string]any{
		"client_order_id": order.OrderID,
		"symbol":          order.Symbol,
		"side":            string(order.Direction),
		"quantity":        order.Quantity.String(),
	}
	if !order.IsMarket() {
		body["limit_price"] = order.LimitPrice.String()
	}

	var out submitResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return domain.OrderAck{}, errors.Wrapf(err, "submit order %s", order.OrderID)
	}
	if resp.IsError() {
		return domain.OrderAck{}, fmt.Errorf("submit order %s: status %d: %s", order.OrderID, resp.StatusCode(), resp.String())
	}

	ack := domain.OrderAck{
		OrderID:  order.OrderID,
		Accepted: out.Accepted,
		Note:     out.Note,
	}
	restLog.Debugf("submit ack: order=%s accepted=%v", order.OrderID, out.Accepted)
	return ack, nil
}

// Cancel 取消订单。404 视作订单已终态，返回成功。
func (g *RESTGateway) Cancel(ctx context.Context, orderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait")
	}

	resp, err := g.client.R().
		SetContext(ctx).
		Delete("/orders/" + orderID)
	if err != nil {
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
	if resp.StatusCode() == http.StatusNotFound {
		restLog.Debugf("cancel %s: order already terminal at broker", orderID)
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return nil
}

type brokerPositionsResponse struct {
	Positions []domain.BrokerPosition `json:"positions"`
}

// Positions 券商口径持仓
func (g *RESTGateway) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}

	var out brokerPositionsResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/positions")
	if err != nil {
		return nil, errors.Wrap(err, "get positions")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Positions, nil
}
