package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/sketchflow/config"
	"github.com/BaSui01/sketchflow/inference/retry"
)

// Config 推理客户端配置，构造后不可变
type Config struct {
	BaseURL        string
	Token          string
	CandidatePaths []string
	AttemptTimeout time.Duration
	Rounds         retry.RoundPolicy
	Warmup         bool
	WarmupTimeout  time.Duration
}

// FromUpstream 由应用配置构造客户端配置
func FromUpstream(u config.UpstreamConfig) Config {
	paths := make([]string, len(u.CandidatePaths))
	copy(paths, u.CandidatePaths)

	return Config{
		BaseURL:        u.BaseURL,
		Token:          u.Token,
		CandidatePaths: paths,
		AttemptTimeout: u.AttemptTimeout,
		Rounds: retry.RoundPolicy{
			MaxRounds: u.MaxRounds,
			BaseDelay: u.BackoffBase,
			MaxDelay:  u.BackoffMax,
		},
		Warmup:        u.Warmup,
		WarmupTimeout: u.WarmupTimeout,
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("inference: base url is required")
	}
	if len(c.CandidatePaths) == 0 {
		return fmt.Errorf("inference: at least one candidate path is required")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("inference: attempt timeout must be positive")
	}
	return nil
}
