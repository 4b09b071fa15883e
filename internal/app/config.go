package app

import (
	"time"

	"github.com/shapesinc/orchestration-core/internal/platform/config"
)

// Config is the process-wide set of tunables resolved once at startup.
// Every field is env-resolved through internal/platform/config's typed
// helpers rather than a third-party config library.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	ResultTTL   time.Duration

	ResponseGeneratorBaseURL string
	ResponseGeneratorAPIKey  string

	VisionFallbackModelID   string
	GuestModeDefaultModelID string
	VisionCapableModelIDs   string

	GenerationMaxAttempts int
	DuplicateThresholds   DuplicateThresholds

	PendingMemoryMaxAttempts int

	PineconeAPIKey    string
	PineconeIndexName string

	ShapesExternalBaseURL   string
	ShapesImportMaxAttempts int

	GCSAvatarBucket string
	GCSCDNDomain    string

	DiagnosticRetention time.Duration
}

type DuplicateThresholds struct {
	MinLength        int
	JaccardThreshold float64
	BigramThreshold  float64
	NearMissBigram   float64
	SemanticThresh   float64
}

func LoadConfig() Config {
	return Config{
		DatabaseURL: config.GetEnv(config.EnvDatabaseURL, ""),
		RedisAddr:   config.GetEnv(config.EnvRedisAddr, "localhost:6379"),
		ResultTTL:   time.Duration(config.GetEnvInt(config.EnvRedisResultTTLSeconds, 3600)) * time.Second,

		ResponseGeneratorBaseURL: config.GetEnv(config.EnvResponseGeneratorBaseURL, ""),
		ResponseGeneratorAPIKey:  config.GetEnv(config.EnvResponseGeneratorAPIKey, ""),

		VisionFallbackModelID:   config.GetEnv(config.EnvVisionFallbackModelID, ""),
		GuestModeDefaultModelID: config.GetEnv(config.EnvGuestModeDefaultModelID, ""),
		VisionCapableModelIDs:   config.GetEnv(config.EnvVisionCapableModels, ""),

		GenerationMaxAttempts: config.GetEnvInt(config.EnvGenerationMaxAttempts, 3),
		DuplicateThresholds: DuplicateThresholds{
			MinLength:        config.GetEnvInt(config.EnvDuplicateMinLength, 30),
			JaccardThreshold: config.GetEnvFloat(config.EnvDuplicateJaccardThreshold, 0.95),
			BigramThreshold:  config.GetEnvFloat(config.EnvDuplicateBigramThreshold, 0.85),
			NearMissBigram:   config.GetEnvFloat(config.EnvDuplicateNearMissBigram, 0.75),
			SemanticThresh:   config.GetEnvFloat(config.EnvDuplicateSemanticThresh, 0.92),
		},

		PendingMemoryMaxAttempts: config.GetEnvInt(config.EnvPendingMemoryMaxAttempts, 3),

		PineconeAPIKey:    config.GetEnv(config.EnvPineconeAPIKey, ""),
		PineconeIndexName: config.GetEnv(config.EnvPineconeIndexName, ""),

		ShapesExternalBaseURL:   config.GetEnv(config.EnvShapesExternalBaseURL, ""),
		ShapesImportMaxAttempts: config.GetEnvInt(config.EnvShapesImportMaxAttempts, 3),

		GCSAvatarBucket: config.GetEnv(config.EnvGCSAvatarBucket, ""),
		GCSCDNDomain:    config.GetEnv(config.EnvGCSCDNDomain, ""),

		DiagnosticRetention: config.GetEnvDuration(config.EnvDiagnosticRetention, 24*time.Hour),
	}
}
