package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode   string `yaml:"mode"` // DRY_RUN or LIVE
	Symbol string `yaml:"symbol"`

	Buffer struct {
		Capacity        int `yaml:"capacity"`
		WarmupThreshold int `yaml:"warmup_threshold"`
	} `yaml:"buffer"`

	Scheduler struct {
		TickIntervalSeconds     int `yaml:"tick_interval_seconds"`
		MaxTickSeconds          int `yaml:"max_tick_seconds"`
		DrainTimeoutSeconds     int `yaml:"drain_timeout_seconds"`
		ConsecutiveFailureLimit int `yaml:"consecutive_failure_limit"`
	} `yaml:"scheduler"`

	Risk struct {
		MaxConcurrentOrders  int     `yaml:"max_concurrent_orders"`
		MaxDailyLossFraction float64 `yaml:"max_daily_loss_fraction"`
		RiskPerTradeFraction float64 `yaml:"risk_per_trade_fraction"`
		MinConfidence        float64 `yaml:"min_confidence"`
	} `yaml:"risk"`

	Decision struct {
		Backends             []string `yaml:"backends"` // fallback priority order
		TimeoutSeconds       int      `yaml:"timeout_seconds"`
		MaxRequestsPerMinute int      `yaml:"max_requests_per_minute"`
	} `yaml:"decision"`

	LLM struct {
		OpenAIModel    string  `yaml:"openai_model"`
		AnthropicModel string  `yaml:"anthropic_model"`
		MaxTokens      int     `yaml:"max_tokens"`
		Temperature    float32 `yaml:"temperature"`
		System         string  `yaml:"system"`
		Schema         string  `yaml:"schema"`
	} `yaml:"llm"`

	Rule struct {
		RSIOversold   float64 `yaml:"rsi_oversold"`
		RSIOverbought float64 `yaml:"rsi_overbought"`
		FastSMA       int     `yaml:"fast_sma"`
		SlowSMA       int     `yaml:"slow_sma"`
	} `yaml:"rule"`

	Indicators struct {
		SMAWindows []int   `yaml:"sma_windows"`
		RSIPeriod  int     `yaml:"rsi_period"`
		BBWindow   int     `yaml:"bb_window"`
		BBStdDev   float64 `yaml:"bb_stddev"`
		ATRPeriod  int     `yaml:"atr_period"`
	} `yaml:"indicators"`

	Router struct {
		MaxRetries         int `yaml:"max_retries"`
		BackoffBaseMillis  int `yaml:"backoff_base_millis"`
		BackoffMaxMillis   int `yaml:"backoff_max_millis"`
		PollIntervalSecond int `yaml:"poll_interval_seconds"`
	} `yaml:"router"`

	State struct {
		DBPath        string `yaml:"db_path"`
		WriteRetries  int    `yaml:"write_retries"`
		HaltOnFailure bool   `yaml:"halt_on_failure"`
	} `yaml:"state"`

	Exchange struct {
		RESTURL string `yaml:"rest_url"`
		WSURL   string `yaml:"ws_url"`
	} `yaml:"exchange"`

	Notify struct {
		Enabled    bool   `yaml:"enabled"`
		QueueSize  int    `yaml:"queue_size"`
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`

	Metrics struct {
		Listen string `yaml:"listen"` // empty disables the listener
	} `yaml:"metrics"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Buffer.WarmupThreshold > c.Buffer.Capacity {
		return fmt.Errorf("buffer.warmup_threshold %d exceeds capacity %d", c.Buffer.WarmupThreshold, c.Buffer.Capacity)
	}
	if c.Risk.MaxDailyLossFraction <= 0 || c.Risk.MaxDailyLossFraction >= 1 {
		return fmt.Errorf("risk.max_daily_loss_fraction must be in (0,1), got %.4f", c.Risk.MaxDailyLossFraction)
	}
	if c.Risk.RiskPerTradeFraction <= 0 || c.Risk.RiskPerTradeFraction >= 1 {
		return fmt.Errorf("risk.risk_per_trade_fraction must be in (0,1), got %.4f", c.Risk.RiskPerTradeFraction)
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in [0,1], got %.4f", c.Risk.MinConfidence)
	}
	if c.Risk.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("risk.max_concurrent_orders must be positive, got %d", c.Risk.MaxConcurrentOrders)
	}
	for _, b := range c.Decision.Backends {
		if b != "openai" && b != "anthropic" && b != "rule" {
			return fmt.Errorf("unknown decision backend '%s'", b)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "DRY_RUN"
	}
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = 480 // 8 hours of 1-minute candles
	}
	if c.Buffer.WarmupThreshold == 0 {
		c.Buffer.WarmupThreshold = 50
	}
	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 60
	}
	if c.Scheduler.MaxTickSeconds == 0 {
		c.Scheduler.MaxTickSeconds = 45
	}
	if c.Scheduler.DrainTimeoutSeconds == 0 {
		c.Scheduler.DrainTimeoutSeconds = 30
	}
	if c.Scheduler.ConsecutiveFailureLimit == 0 {
		c.Scheduler.ConsecutiveFailureLimit = 3
	}
	if c.Risk.MaxConcurrentOrders == 0 {
		c.Risk.MaxConcurrentOrders = 2
	}
	if c.Risk.MaxDailyLossFraction == 0 {
		c.Risk.MaxDailyLossFraction = 0.05
	}
	if c.Risk.RiskPerTradeFraction == 0 {
		c.Risk.RiskPerTradeFraction = 0.01
	}
	if c.Risk.MinConfidence == 0 {
		c.Risk.MinConfidence = 0.7
	}
	if len(c.Decision.Backends) == 0 {
		c.Decision.Backends = []string{"openai", "rule"}
	}
	if c.Decision.TimeoutSeconds == 0 {
		c.Decision.TimeoutSeconds = 30
	}
	if c.Decision.MaxRequestsPerMinute == 0 {
		c.Decision.MaxRequestsPerMinute = 60
	}
	if c.LLM.OpenAIModel == "" {
		c.LLM.OpenAIModel = "gpt-4o-mini"
	}
	if c.LLM.AnthropicModel == "" {
		c.LLM.AnthropicModel = "claude-3-sonnet-20240229"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 500
	}
	if c.Rule.RSIOversold == 0 {
		c.Rule.RSIOversold = 30
	}
	if c.Rule.RSIOverbought == 0 {
		c.Rule.RSIOverbought = 70
	}
	if c.Rule.FastSMA == 0 {
		c.Rule.FastSMA = 20
	}
	if c.Rule.SlowSMA == 0 {
		c.Rule.SlowSMA = 50
	}
	if len(c.Indicators.SMAWindows) == 0 {
		c.Indicators.SMAWindows = []int{20, 50, 200}
	}
	if c.Indicators.RSIPeriod == 0 {
		c.Indicators.RSIPeriod = 14
	}
	if c.Indicators.BBWindow == 0 {
		c.Indicators.BBWindow = 20
	}
	if c.Indicators.BBStdDev == 0 {
		c.Indicators.BBStdDev = 2.0
	}
	if c.Indicators.ATRPeriod == 0 {
		c.Indicators.ATRPeriod = 14
	}
	if c.Router.MaxRetries == 0 {
		c.Router.MaxRetries = 4
	}
	if c.Router.BackoffBaseMillis == 0 {
		c.Router.BackoffBaseMillis = 250
	}
	if c.Router.BackoffMaxMillis == 0 {
		c.Router.BackoffMaxMillis = 5000
	}
	if c.Router.PollIntervalSecond == 0 {
		c.Router.PollIntervalSecond = 10
	}
	if c.State.DBPath == "" {
		c.State.DBPath = "data/trader.db"
	}
	if c.State.WriteRetries == 0 {
		c.State.WriteRetries = 3
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}
	if c.Exchange.RESTURL == "" {
		c.Exchange.RESTURL = "https://api.binance.com"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://stream.binance.com:9443/ws"
	}
}
