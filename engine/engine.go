package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/chorus/types"
)

// ID identifies one configured backend engine.
type ID string

// Strategy 编排策略：决定一次请求扇出到多少个引擎
type Strategy int

const (
	StrategySingle Strategy = iota
	StrategyDual
	StrategySynthesis
	StrategyFull
)

// AllStrategies lists every strategy in breadth order.
var AllStrategies = []Strategy{StrategySingle, StrategyDual, StrategySynthesis, StrategyFull}

var strategyNames = map[Strategy]string{
	StrategySingle:    "single",
	StrategyDual:      "dual",
	StrategySynthesis: "synthesis",
	StrategyFull:      "full",
}

// ParseStrategy parses a strategy name (case-insensitive).
func ParseStrategy(s string) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for st, n := range strategyNames {
		if n == name {
			return st, nil
		}
	}
	return 0, types.InvalidStrategy(s)
}

// Valid reports whether s is one of the four known strategies.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Upgrade returns the next broader strategy, saturating at full.
func (s Strategy) Upgrade() Strategy {
	if s >= StrategyFull {
		return StrategyFull
	}
	return s + 1
}

// Downgrade returns the next narrower strategy, saturating at single.
func (s Strategy) Downgrade() Strategy {
	if s <= StrategySingle {
		return StrategySingle
	}
	return s - 1
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, types.InvalidStrategy(s.String())
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Config 单个后端引擎的身份与连接参数（启动后只读）
type Config struct {
	ID          ID            `json:"id" yaml:"id"`
	Role        string        `json:"role" yaml:"role"`
	Temperature float64       `json:"temperature" yaml:"temperature"`
	Weight      float64       `json:"weight" yaml:"weight"`
	Provider    string        `json:"provider" yaml:"provider"`
	Model       string        `json:"model,omitempty" yaml:"model"`
	BaseURL     string        `json:"base_url,omitempty" yaml:"base_url"`
	APIKey      string        `json:"-" yaml:"api_key"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Request is what a backend receives for one engine call.
type Request struct {
	Text        string
	Model       string
	Temperature float64
	Role        string
}

// Backend is one inference service behind an engine id.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req Request) (string, error)

// Name implements Backend.
func (f BackendFunc) Name() string { return "func" }

// Generate implements Backend.
func (f BackendFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Status is the terminal state of one engine task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Outcome 单个引擎任务的终态结果
type Outcome struct {
	EngineID ID            `json:"engine_id"`
	Status   Status        `json:"status"`
	Text     string        `json:"text,omitempty"`
	Err      error         `json:"-"`
	Elapsed  time.Duration `json:"elapsed"`
}

// OK reports whether the engine produced text.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// ErrorMessage returns the error text or "" on success.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
