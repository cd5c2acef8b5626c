package gateway

import "github.com/krobus00/exchange-core/internal/entity"

var (
	GlobalGatewayRegistry = make(map[entity.ExchangeName]entity.Gateway)
)

func RegisterGateway(name entity.ExchangeName, gw entity.Gateway) {
	GlobalGatewayRegistry[name] = gw
}
