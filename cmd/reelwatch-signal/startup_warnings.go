package main

import (
	"log/slog"
	"slices"

	"github.com/webroker/reelwatch/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone create and read sessions",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && (cfg.Store == "" || cfg.Store == config.StoreMemory) {
		logger.Warn("startup warning: the memory store loses every session on restart",
			"warning_code", "memory_store_in_prod",
			"store", config.StoreMemory,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SessionTTL <= 0 {
		logger.Warn("startup warning: REELWATCH_SESSION_TTL is 0, sessions never expire",
			"warning_code", "session_ttl_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
