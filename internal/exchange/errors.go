package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrOrderNotFound 表示按客户端订单号查询不到订单，可以确认未成交。
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// ErrorKind 是下单失败的分类。
type ErrorKind int

const (
	// KindTransient 网络抖动、限频、维护等，请求未被交易所处理，可重试。
	KindTransient ErrorKind = iota + 1
	// KindRejected 余额不足、下单量不合法等，重试无意义。
	KindRejected
	// KindUnknown 无法确定是否成交，重试前必须先查询订单状态。
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindUnknown:
		return "unknown"
	default:
		return "unclassified"
	}
}

// OrderError 携带分类信息的下单错误。
type OrderError struct {
	Kind          ErrorKind
	Symbol        string
	ClientOrderID string
	Err           error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("exchange: %s order error (symbol=%s client_id=%s): %v", e.Kind, e.Symbol, e.ClientOrderID, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// KindOf 从错误链中提取分类，非 OrderError 视为 Unknown。
func KindOf(err error) ErrorKind {
	var orderErr *OrderError
	if errors.As(err, &orderErr) {
		return orderErr.Kind
	}
	return KindUnknown
}

// ClassifyOrderError 对下单请求的错误进行分类。
// 与只读请求不同，已发出的下单请求超时或网络中断时无法判断是否成交，一律归为 Unknown。
func ClassifyOrderError(err error) ErrorKind {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, ErrMaintenance) {
		return KindTransient
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.OnMaintenanceErrType:
			return KindTransient
		case ccxt.InsufficientFundsErrType,
			ccxt.InvalidOrderErrType,
			ccxt.BadSymbolErrType,
			ccxt.BadRequestErrType,
			ccxt.AuthenticationErrorErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.ArgumentsRequiredErrType,
			ccxt.NotSupportedErrType:
			return KindRejected
		}
	}

	return KindUnknown
}

// IsRetryable 判断只读请求的错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsOrderNotFound 判断查询订单时交易所是否明确返回不存在。
func IsOrderNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.OrderNotFoundErrType
	}
	return false
}
