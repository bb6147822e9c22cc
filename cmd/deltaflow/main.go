package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"

	"github.com/deltaflow/engine/internal/account"
	"github.com/deltaflow/engine/internal/audit"
	"github.com/deltaflow/engine/internal/clockskew"
	"github.com/deltaflow/engine/internal/configs"
	"github.com/deltaflow/engine/internal/engine"
	"github.com/deltaflow/engine/internal/sizing"
)

// signalFile is the on-disk shape of one trading decision: the intent plus
// the follower accounts it applies to. Credentials are decoded here and
// handed to the engine as account contexts; they are never logged.
type signalFile struct {
	Intent   engine.TradeIntent `json:"intent"`
	Accounts []signalAccount    `json:"accounts"`
}

type signalAccount struct {
	Exchange  string `json:"exchange"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	ID        int64  `json:"id"`
	Label     string `json:"label"`
}

var (
	flagconf   string
	flagsignal string

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	}))
)

func init() {
	flag.StringVar(&flagconf, "conf", "config.json", "config path, eg: -conf config.json")
	flag.StringVar(&flagsignal, "signal", "signal.json", "signal path, eg: -signal signal.json")
}

func main() {
	flag.Parse()

	config := configs.Default()
	configFile, err := os.ReadFile(flagconf)
	if err != nil {
		log.Warn("config file not readable, using defaults", "path", flagconf, "err", err)
	} else if err := json.Unmarshal(configFile, config); err != nil {
		log.Error("Error parsing config file", "err", err)
		return
	}

	if config.Proxy != "" {
		_ = os.Setenv("HTTP_PROXY", config.Proxy)
		_ = os.Setenv("HTTPS_PROXY", config.Proxy)
		log.Debug("set proxy ok", "proxy", config.Proxy)
	}

	var store audit.Store
	if config.Database.ConnStr != "" {
		pg, err := audit.NewPostgresStore(config.Database.ConnStr)
		if err != nil {
			log.Error("Error opening audit store", "err", err)
			return
		}
		defer pg.Close()
		store = pg
		log.Debug("init audit store", "backend", "postgres")
	} else {
		store = audit.NewMemoryStore()
		log.Warn("no database configured, audit rows stay in memory")
	}

	recorder := audit.NewRecorder(store, log)
	skew := clockskew.New(log)
	sizer := sizing.NewCalculator(config.Sizing.BaselineCapital, recorder, log)
	resolver := engine.NewResolver(engine.DefaultFactory(config, skew, recorder, log))
	eng := engine.New(resolver, sizer, log)

	log.Debug("init engine", "baseline_capital", config.Sizing.BaselineCapital)

	signalData, err := os.ReadFile(flagsignal)
	if err != nil {
		log.Error("Error reading signal file", "path", flagsignal, "err", err)
		return
	}
	var signal signalFile
	if err := json.Unmarshal(signalData, &signal); err != nil {
		log.Error("Error parsing signal file", "err", err)
		return
	}
	if len(signal.Accounts) == 0 {
		log.Error("signal has no accounts")
		return
	}

	ctx := context.Background()
	for _, sa := range signal.Accounts {
		acct := &account.Context{
			Exchange:  account.ParseExchange(sa.Exchange),
			APIKey:    sa.APIKey,
			APISecret: sa.APISecret,
			ID:        sa.ID,
			Label:     sa.Label,
		}

		res, err := eng.ExecuteIntent(ctx, acct, signal.Intent)
		if err != nil {
			log.Error("intent rejected", "account_id", acct.ID, "label", acct.Label, "err", err)
			continue
		}
		if !res.Success {
			log.Error("execution failed",
				"account_id", acct.ID, "label", acct.Label,
				"symbol", signal.Intent.Symbol, "kind", res.Kind,
				"exchange_code", res.ExchangeCode, "message", res.Message)
			continue
		}
		log.Info("execution ok",
			"account_id", acct.ID, "label", acct.Label,
			"symbol", signal.Intent.Symbol, "action", signal.Intent.Action,
			"kind", res.Kind, "client_order_id", res.ClientOrderID)
	}
}
