package configs

import "time"

type Config struct {
	Database Database `json:"database"`

	// Exchange endpoints and signing parameters.
	Binance Binance `json:"binance"`
	Bybit   Bybit   `json:"bybit"`

	Sizing Sizing `json:"sizing"`

	// Optional outbound HTTP proxy.
	Proxy string `json:"proxy"`
}

type Database struct {
	ConnStr string `json:"conn_str"` // audit store connection string
}

type Binance struct {
	SpotBaseURL    string `json:"spot_base_url"`
	FuturesBaseURL string `json:"futures_base_url"`
	RecvWindow     int64  `json:"recv_window"` // ms
	TimeoutSec     int    `json:"timeout_sec"`
}

type Bybit struct {
	BaseURL    string `json:"base_url"`
	RecvWindow int64  `json:"recv_window"` // ms
	TimeoutSec int    `json:"timeout_sec"`
}

type Sizing struct {
	// The base capital the master account used when sizing the signal
	// quantity. Follower quantities scale proportionally against it.
	BaselineCapital float64 `json:"baseline_capital"`
}

// Default returns a config populated with production endpoints; values
// decoded from the config file override it field by field.
func Default() *Config {
	return &Config{
		Binance: Binance{
			SpotBaseURL:    "https://api.binance.com",
			FuturesBaseURL: "https://fapi.binance.com",
			RecvWindow:     5000,
			TimeoutSec:     10,
		},
		Bybit: Bybit{
			BaseURL:    "https://api.bybit.com",
			RecvWindow: 5000,
			TimeoutSec: 10,
		},
		Sizing: Sizing{BaselineCapital: 105},
	}
}

func (b Binance) Timeout() time.Duration { return time.Duration(b.TimeoutSec) * time.Second }
func (b Bybit) Timeout() time.Duration   { return time.Duration(b.TimeoutSec) * time.Second }
