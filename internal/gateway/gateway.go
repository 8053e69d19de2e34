package gateway

import (
	"context"

	"github.com/quantbot/goquant/internal/domain"
)

// ExecutionGateway 执行网关。所有外呼都带 ctx 超时上限。
// Cancel 必须幂等：对已终态订单取消是安全的空操作。
type ExecutionGateway interface {
	// Submit 提交订单，返回网关确认
	Submit(ctx context.Context, order domain.Order) (domain.OrderAck, error)
	// Cancel 取消订单
	Cancel(ctx context.Context, orderID string) error
	// Positions 券商口径持仓（日终对账用）
	Positions(ctx context.Context) ([]domain.BrokerPosition, error)
}
