package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RoundPolicy 定义按轮重试的退避策略。
// 第 n 轮结束后等待 n × BaseDelay（线性递增，用于等待上游冷启动），
// 达到 MaxDelay 后不再增长。
type RoundPolicy struct {
	MaxRounds int                                  // 最大轮数（至少 1）
	BaseDelay time.Duration                        // 退避基数
	MaxDelay  time.Duration                        // 退避上限（0 表示不设上限）
	Jitter    bool                                 // 是否添加 [0, BaseDelay/4) 的正向抖动
	OnWait    func(round int, delay time.Duration) // 等待前回调
}

// DefaultRoundPolicy 返回默认的按轮重试策略
func DefaultRoundPolicy() RoundPolicy {
	return RoundPolicy{
		MaxRounds: 3,
		BaseDelay: 1500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
	}
}

// Normalize 修正非法参数
func (p RoundPolicy) Normalize() RoundPolicy {
	if p.MaxRounds < 1 {
		p.MaxRounds = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	return p
}

// Delay 返回第 round 轮（从 1 开始）结束后的等待时间。
// 抖动只向上叠加且小于 BaseDelay/4，因此未封顶时序列严格递增，封顶后保持不变。
func (p RoundPolicy) Delay(round int) time.Duration {
	if round < 1 || p.BaseDelay <= 0 {
		return 0
	}

	delay := time.Duration(round) * p.BaseDelay
	if p.MaxDelay > 0 && delay >= p.MaxDelay {
		return p.MaxDelay
	}

	if p.Jitter {
		if quarter := int64(p.BaseDelay / 4); quarter > 0 {
			delay += time.Duration(rand.Int63n(quarter))
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return delay
}

// Wait 阻塞到第 round 轮的退避结束，或在 context 取消时提前返回
func (p RoundPolicy) Wait(ctx context.Context, round int) error {
	delay := p.Delay(round)
	if p.OnWait != nil {
		p.OnWait(round, delay)
	}
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// BestEffort 在独立的短超时内执行 fn，吞掉其错误。
// 返回值仅供日志与指标使用，调用方不得据此改变业务结果。
func BestEffort(ctx context.Context, timeout time.Duration, logger *zap.Logger, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(callCtx)
	}()

	if err != nil && logger != nil {
		logger.Debug("best-effort call failed",
			zap.String("operation", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
	}
	return err
}
