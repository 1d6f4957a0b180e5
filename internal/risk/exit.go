package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/alert"
	"signal-trader/internal/exchange"
	"signal-trader/internal/execution"
	"signal-trader/internal/position"
)

// runExit 对已处于 CLOSING 的持仓下市价卖单直到全部卖出。
// 调用方必须先通过 claimExit 占用平仓权。失败时持仓保持 CLOSING 并告警，不会回到 OPEN。
func (e *Engine) runExit(ctx context.Context, id string, reason Reason) error {
	defer e.release(id)

	pos, err := e.tracker.Get(id)
	if err != nil {
		return err
	}
	e.checkpoint(ctx, pos)
	e.deps.Journal.RecordPosition(ctx, "closing", pos, string(reason))

	logger := e.logger.With(
		zap.String("position_id", id),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
	)

	var (
		remaining = pos.Quantity
		soldQty   = decimal.Zero
		soldQuote = decimal.Zero
		pending   string
		failures  int
		delay     = e.opts.Exit.MinDelay
	)

	for {
		var (
			fill execution.Fill
			err  error
		)
		if pending != "" {
			// 上一笔结果不明，查清之前不能重下
			fill, err = e.deps.Gateway.Reconcile(ctx, pos.Symbol, exchange.SideSell, pending)
		} else {
			qty, clamped := e.exitQuantity(ctx, pos, remaining)
			if clamped {
				logger.Info("可用余额低于持仓数量，按余额平仓",
					zap.Stringer("quantity", remaining),
					zap.Stringer("free", qty),
				)
				remaining = qty
			}
			fill, err = e.deps.Gateway.PlaceMarketOrder(ctx, pos.Symbol, exchange.SideSell, qty)
		}

		if err == nil {
			pending = ""
			soldQty = soldQty.Add(fill.Quantity)
			soldQuote = soldQuote.Add(fill.Quantity.Mul(fill.Price))
			remaining = remaining.Sub(fill.Quantity)
			e.deps.Metrics.ExitAttempt(pos.Symbol, "filled")

			if !remaining.Truncate(e.opts.QuantityPrecision).IsPositive() {
				return e.completeExit(ctx, pos, soldQty, soldQuote, reason)
			}
			logger.Info("平仓部分成交，继续卖出剩余数量",
				zap.Stringer("filled", fill.Quantity),
				zap.Stringer("remaining", remaining),
			)
			continue
		}

		kind := exchange.KindOf(err)
		e.deps.Metrics.ExitAttempt(pos.Symbol, kind.String())

		switch kind {
		case exchange.KindRejected:
			if soldQty.IsPositive() && errors.Is(err, execution.ErrInvalidQuantity) {
				logger.Info("剩余数量低于最小下单精度，视为平仓完成", zap.Stringer("remaining", remaining))
				return e.completeExit(ctx, pos, soldQty, soldQuote, reason)
			}
			logger.Error("平仓单被交易所拒绝", zap.Error(err))
			e.raise(ctx, alert.Alert{
				Level:      alert.LevelCritical,
				Title:      "平仓单被拒绝",
				Message:    "持仓停留在 CLOSING，需要人工处理",
				PositionID: id,
				Symbol:     pos.Symbol,
				Fields:     exitFields(reason, remaining, err),
			})
			return fmt.Errorf("%w: %w", ErrExitFailed, err)
		case exchange.KindTransient:
			pending = ""
		default:
			var orderErr *exchange.OrderError
			if errors.As(err, &orderErr) && orderErr.ClientOrderID != "" {
				pending = orderErr.ClientOrderID
			}
		}

		failures++
		logger.Warn("平仓失败，准备重试",
			zap.Int("attempt", failures),
			zap.Int("max_attempts", e.opts.Exit.MaxAttempts),
			zap.Stringer("kind", kind),
			zap.Duration("wait", delay),
			zap.Error(err),
		)
		if failures >= e.opts.Exit.MaxAttempts {
			fields := exitFields(reason, remaining, err)
			fields["attempts"] = strconv.Itoa(failures)
			e.raise(ctx, alert.Alert{
				Level:      alert.LevelCritical,
				Title:      "平仓重试耗尽",
				Message:    "持仓停留在 CLOSING，需要人工处理",
				PositionID: id,
				Symbol:     pos.Symbol,
				Fields:     fields,
			})
			return fmt.Errorf("%w after %d attempts: %w", ErrExitFailed, failures, err)
		}

		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return fmt.Errorf("%w: %w", ErrExitFailed, waitErr)
		}
		delay = e.opts.Exit.next(delay)
	}
}

// exitQuantity 在交易所可用余额低于剩余数量时（手续费以 base 资产扣除）按余额卖出。
func (e *Engine) exitQuantity(ctx context.Context, pos position.Position, remaining decimal.Decimal) (decimal.Decimal, bool) {
	if e.deps.Balances == nil {
		return remaining, false
	}
	free, err := e.deps.Balances.FreeBalance(ctx, pos.Base())
	if err != nil {
		e.logger.Warn("查询可用余额失败，按持仓数量平仓", zap.String("position_id", pos.ID), zap.Error(err))
		return remaining, false
	}
	if free.IsPositive() && free.LessThan(remaining) {
		return free, true
	}
	return remaining, false
}

func (e *Engine) completeExit(ctx context.Context, pos position.Position, soldQty, soldQuote decimal.Decimal, reason Reason) error {
	final, err := e.tracker.Remove(pos.ID)
	if err != nil {
		return err
	}
	e.forget(ctx, final)

	exitPrice := soldQuote.DivRound(soldQty, 8)
	pnl := exitPrice.Sub(final.EntryPrice).Mul(soldQty)
	note := fmt.Sprintf("reason=%s exit_price=%s pnl=%s", reason, exitPrice, pnl)

	e.deps.Journal.RecordPosition(ctx, "closed", final, note)
	e.deps.Metrics.PositionClosed(final.Symbol, string(reason))
	e.deps.Metrics.OpenPositions(len(e.tracker.ListOpen()))

	e.logger.Info("平仓完成",
		zap.String("position_id", final.ID),
		zap.String("symbol", final.Symbol),
		zap.String("reason", string(reason)),
		zap.Stringer("entry_price", final.EntryPrice),
		zap.Stringer("exit_price", exitPrice),
		zap.Stringer("quantity", soldQty),
		zap.Stringer("pnl", pnl),
	)
	return nil
}

func exitFields(reason Reason, remaining decimal.Decimal, err error) map[string]string {
	fields := map[string]string{
		"reason":    string(reason),
		"remaining": remaining.String(),
		"kind":      exchange.KindOf(err).String(),
		"error":     err.Error(),
	}
	var orderErr *exchange.OrderError
	if errors.As(err, &orderErr) && orderErr.ClientOrderID != "" {
		fields["client_order_id"] = orderErr.ClientOrderID
	}
	return fields
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
