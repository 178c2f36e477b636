package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Wallet
	out.Wallet = cfg.Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// Polymarket
	out.Polymarket = cfg.Polymarket
	redact(&out.Polymarket.ApiKey)
	redact(&out.Polymarket.ApiSecret)
	redact(&out.Polymarket.ApiPassphrase)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Monitoring.StopLossPct != nil {
		out.Monitoring.StopLossPct = make(map[string]float64, len(cfg.Monitoring.StopLossPct))
		for k, v := range cfg.Monitoring.StopLossPct {
			out.Monitoring.StopLossPct[k] = v
		}
	}
	if cfg.Monitoring.ProfitTargetPct != nil {
		out.Monitoring.ProfitTargetPct = make(map[string]float64, len(cfg.Monitoring.ProfitTargetPct))
		for k, v := range cfg.Monitoring.ProfitTargetPct {
			out.Monitoring.ProfitTargetPct[k] = v
		}
	}
	if cfg.Monitoring.PartialStages != nil {
		out.Monitoring.PartialStages = make([]PartialStage, len(cfg.Monitoring.PartialStages))
		copy(out.Monitoring.PartialStages, cfg.Monitoring.PartialStages)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
