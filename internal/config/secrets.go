package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.SecretPassword)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Venues != nil {
		out.Venues = make([]VenueConfig, len(cfg.Venues))
		copy(out.Venues, cfg.Venues)
		for i := range out.Venues {
			redact(&out.Venues[i].APIKey)
			redact(&out.Venues[i].APISecret)
			redact(&out.Venues[i].Passphrase)
		}
	}
	if cfg.Feed.Venues != nil {
		out.Feed.Venues = append([]string(nil), cfg.Feed.Venues...)
	}
	if cfg.Feed.Pairs != nil {
		out.Feed.Pairs = append([]string(nil), cfg.Feed.Pairs...)
	}
	if cfg.Grid.Pairs != nil {
		out.Grid.Pairs = append([]string(nil), cfg.Grid.Pairs...)
	}
	if cfg.Risk.Timeframes != nil {
		out.Risk.Timeframes = append([]string(nil), cfg.Risk.Timeframes...)
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
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
