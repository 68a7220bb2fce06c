package config

// Config is the top-level OpenClaw configuration.
type Config struct {
	Runtime    string           `yaml:"runtime"` // auto, lite, pro
	LogLevel   string           `yaml:"log_level"`
	Account    AccountConfig    `yaml:"account"`
	Storage    StorageConfig    `yaml:"storage"`
	Messages   MessagesConfig   `yaml:"messages"`
	Transport  TransportConfig  `yaml:"transport"`
	Browser    BrowserConfig    `yaml:"browser"`
	Quote      QuoteConfig      `yaml:"quote"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Worker     WorkerConfig     `yaml:"worker"`
	SLA        SLAConfig        `yaml:"sla"`
}

// AccountConfig identifies the marketplace seller account.
type AccountConfig struct {
	ID     string `yaml:"id"`
	Cookie string `yaml:"cookie"` // normally injected via XIANYU_COOKIE_1
}

// StorageConfig holds file paths for the SQLite stores and JSON snapshots.
type StorageConfig struct {
	WorkflowDB      string `yaml:"workflow_db"`
	ComplianceDB    string `yaml:"compliance_db"`
	QuoteSnapshotDB string `yaml:"quote_snapshot_db"`
	WorkerStateFile string `yaml:"worker_state_file"`
	SLAMetricsFile  string `yaml:"sla_metrics_file"`
}

// MessagesConfig controls reply behaviour.
type MessagesConfig struct {
	Transport               string            `yaml:"transport"` // auto, ws, dom
	StrictFormatReply       bool              `yaml:"strict_format_reply_enabled"`
	DefaultOrigin           string            `yaml:"default_origin"` // seller city when buyer omits it
	OrderKeywords           []string          `yaml:"order_keywords"`
	QuoteKeywords           []string          `yaml:"quote_keywords"`
	KeywordReplies          map[string]string `yaml:"keyword_replies"`
	DefaultReply            string            `yaml:"default_reply"`
	OrderAckTemplate        string            `yaml:"order_ack_template"`
	QuoteReplyTemplate      string            `yaml:"quote_reply_template"`
	FormatHintTemplate      string            `yaml:"format_hint_template"`
	CheckoutGuideTemplate   string            `yaml:"checkout_guide_template"`
	OutboundMinIntervalSecs int               `yaml:"outbound_min_interval_seconds"`
	MaxPerSessionHour       int               `yaml:"max_per_session_hour"`
	MaxPerSessionDay        int               `yaml:"max_per_session_day"`
}

// TransportConfig holds WebSocket channel tuning.
type TransportConfig struct {
	Endpoint                 string `yaml:"endpoint"`
	AppKey                   string `yaml:"app_key"`
	TokenEndpoint            string `yaml:"token_endpoint"`
	TokenRefreshIntervalSecs int    `yaml:"token_refresh_interval_seconds"`
	HeartbeatIntervalSecs    int    `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSecs     int    `yaml:"heartbeat_timeout_seconds"`
	ReconnectDelaySecs       int    `yaml:"reconnect_delay_seconds"`
	MaxBackoffSecs           int    `yaml:"max_backoff_seconds"`
	MessageExpireMs          int64  `yaml:"message_expire_ms"`
	MaxQueueSize             int    `yaml:"max_queue_size"`
	QueueWaitSecs            int    `yaml:"queue_wait_seconds"`
	UserAgent                string `yaml:"user_agent"`
}

// BrowserConfig points at the browser-control API used by the DOM transport.
type BrowserConfig struct {
	ControlURL string `yaml:"control_url"`
	Profile    string `yaml:"profile"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// QuoteConfig tunes the quote engine.
type QuoteConfig struct {
	Mode                 string  `yaml:"mode"` // rule_only, hybrid
	RemoteURL            string  `yaml:"remote_url"`
	RetryTimes           int     `yaml:"retry_times"`
	TimeoutMs            int     `yaml:"timeout_ms"`
	TTLSeconds           int     `yaml:"ttl_seconds"`
	MaxStaleSeconds      int     `yaml:"max_stale_seconds"`
	HotTTLSeconds        int     `yaml:"hot_ttl_seconds"`
	SafetyMargin         float64 `yaml:"safety_margin"`
	CircuitFailThreshold int     `yaml:"circuit_fail_threshold"`
	CircuitOpenSeconds   int     `yaml:"circuit_open_seconds"`
	CostTablePath        string  `yaml:"cost_table_path"`
	DefaultCourier       string  `yaml:"default_courier"`
}

// ComplianceConfig locates the policy file.
type ComplianceConfig struct {
	PolicyFile string `yaml:"policy_file"`
}

// WorkerConfig tunes the workflow worker loop.
type WorkerConfig struct {
	ScanLimit        int `yaml:"scan_limit"`
	ClaimLimit       int `yaml:"claim_limit"`
	LeaseSeconds     int `yaml:"lease_seconds"`
	MaxAttempts      int `yaml:"max_attempts"`
	BaseBackoffSecs  int `yaml:"base_backoff_seconds"`
	IntervalSecs     int `yaml:"interval_seconds"`
	JitterSecs       int `yaml:"jitter_seconds"`
	MaxBackoffSecs   int `yaml:"max_backoff_seconds"`
	MaxCycles        int `yaml:"max_cycles"`          // 0 = unbounded
	MaxRuntimeSecs   int `yaml:"max_runtime_seconds"` // 0 = unbounded
	FirstReplyTarget int `yaml:"first_reply_target_seconds"`
}

// SLAConfig tunes the SLA monitor.
type SLAConfig struct {
	WindowSize               int     `yaml:"window_size"`
	MinSamples               int     `yaml:"min_samples"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold"`
	FirstReplyRatioThreshold float64 `yaml:"first_reply_ratio_threshold"`
	P95CycleSlowSeconds      float64 `yaml:"p95_cycle_slow_seconds"`
	AlertCooldownSecs        int     `yaml:"alert_cooldown_seconds"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Runtime:  "auto",
		LogLevel: "info",
		Storage: StorageConfig{
			WorkflowDB:      "./workflow.db",
			ComplianceDB:    "./compliance.db",
			QuoteSnapshotDB: "./quote_snapshots.db",
			WorkerStateFile: "./workflow_worker_state.json",
			SLAMetricsFile:  "./workflow_sla_metrics.json",
		},
		Messages: MessagesConfig{
			Transport:               "auto",
			StrictFormatReply:       false,
			DefaultOrigin:           "上海",
			OrderKeywords:           []string{"下单", "已付款", "已拍", "付款了", "拍下了"},
			QuoteKeywords:           []string{"多少钱", "运费", "报价", "寄到", "快递费", "邮费"},
			DefaultReply:            "您好，在的～有什么可以帮您？",
			OrderAckTemplate:        "收到！已确认您的订单，稍后会尽快安排揽收，请保持电话畅通～",
			QuoteReplyTemplate:      "可选快递报价：{courier} {origin}→{destination} 首单价格 ¥{price}（{price_breakdown}），计费重 {billing_weight}kg，预计 {eta_days} 送达。",
			FormatHintTemplate:      "您好～请按询价格式发送：出发地 目的地 重量（如：上海 杭州 2kg），体积件请附 长x宽x高cm。",
			CheckoutGuideTemplate:   "好的，就按 {courier} 给您安排～下单时备注快递即可，我们看到后马上处理。",
			OutboundMinIntervalSecs: 3,
			MaxPerSessionHour:       30,
			MaxPerSessionDay:        200,
		},
		Transport: TransportConfig{
			Endpoint:                 "wss://wss-goofish.dingtalk.com/",
			AppKey:                   "444e9908a51d1cb236a27862abc769c9",
			TokenEndpoint:            "https://h5api.m.goofish.com/h5/mtop.taobao.idlemessage.pc.login.token/1.0/",
			TokenRefreshIntervalSecs: 3600,
			HeartbeatIntervalSecs:    15,
			HeartbeatTimeoutSecs:     5,
			ReconnectDelaySecs:       5,
			MaxBackoffSecs:           300,
			MessageExpireMs:          5 * 60 * 1000,
			MaxQueueSize:             500,
			QueueWaitSecs:            3,
			UserAgent:                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		},
		Browser: BrowserConfig{
			ControlURL: "http://127.0.0.1:7800",
			Profile:    "default",
			TimeoutSec: 20,
		},
		Quote: QuoteConfig{
			Mode:                 "rule_only",
			RetryTimes:           2,
			TimeoutMs:            2500,
			TTLSeconds:           600,
			MaxStaleSeconds:      900,
			HotTTLSeconds:        60,
			SafetyMargin:         0.05,
			CircuitFailThreshold: 3,
			CircuitOpenSeconds:   60,
			CostTablePath:        "./cost_table.csv",
			DefaultCourier:       "中通",
		},
		Compliance: ComplianceConfig{
			PolicyFile: "./compliance_policies.yaml",
		},
		Worker: WorkerConfig{
			ScanLimit:        20,
			ClaimLimit:       10,
			LeaseSeconds:     60,
			MaxAttempts:      3,
			BaseBackoffSecs:  5,
			IntervalSecs:     10,
			JitterSecs:       3,
			MaxBackoffSecs:   300,
			FirstReplyTarget: 60,
		},
		SLA: SLAConfig{
			WindowSize:               50,
			MinSamples:               5,
			FailureRateThreshold:     0.3,
			FirstReplyRatioThreshold: 0.8,
			P95CycleSlowSeconds:      30,
			AlertCooldownSecs:        600,
		},
	}
}
