package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultDerivedSubDir = "derived"
	DefaultExportsSubDir = "exports"
)

const (
	defaultTargetResolutions    = "512,1024"
	defaultPreferredResolutions = "512x512,512x384,384x512,512x320,320x512,512x288,288x512," +
		"768x768,768x576,576x768,768x512,512x768," +
		"1024x1024,1024x768,768x1024,1024x640,640x1024,1024x576,576x1024," +
		"1536x1536,1536x1024,1024x1536"
	defaultAspectTolerance   = 0.05
	defaultSizeTolerance     = 0.05
	defaultUpscaler          = "lanczos"
	defaultFingerprint       = "phash"
	defaultBatchChunkSize    = 500
	defaultMessageBufferSize = 256
)

// Size is a width/height pair used for preferred output resolutions.
type Size struct {
	Width  int `validate:"gt=0"`
	Height int `validate:"gt=0"`
}

type Config struct {
	// source directory (default ingestion root)
	RootDirectory string `validate:"required"`

	// database path
	DatabasePath string `validate:"required"`

	// media storage configuration
	MediaStoragePath string `validate:"required"` // root for generated assets (derived images, exports)
	DerivedPath      string `validate:"required"` // full-calculated path for derived images
	ExportsPath      string `validate:"required"` // full-calculated path for exports

	// normalization settings
	TargetResolutions    []int   `validate:"min=1,dive,oneof=512 768 1024 1536"`
	PreferredResolutions []Size  `validate:"dive"`
	AspectTolerance      float64 `validate:"gt=0,lt=1"`
	SizeTolerance        float64 `validate:"gte=0,lt=1"`
	Upscaler             string  `validate:"required"`

	// dedup settings
	FingerprintAlgorithm string `validate:"oneof=phash pixel"`

	// store / worker settings
	BatchChunkSize    int `validate:"gt=0,lte=999"`
	MessageBufferSize int `validate:"gt=0"`

	// logging
	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string

	// http
	Port           string `validate:"required,numeric"`
	AllowedOrigins []string
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvFloatOrDefault(envVar string, defaultVal float64) float64 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil || val < 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %g. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

// ParseResolutions parses a comma separated list of integer resolutions such as "512,1024".
func ParseResolutions(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid resolution '%s': %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseSizes parses a comma separated list of WxH pairs such as "1024x1024,1216x832".
func ParseSizes(raw string) ([]Size, error) {
	var out []Size
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		w, h, ok := strings.Cut(part, "x")
		if !ok {
			return nil, fmt.Errorf("invalid size '%s': expected WxH", part)
		}
		width, err := strconv.Atoi(w)
		if err != nil {
			return nil, fmt.Errorf("invalid width in '%s': %w", part, err)
		}
		height, err := strconv.Atoi(h)
		if err != nil {
			return nil, fmt.Errorf("invalid height in '%s': %w", part, err)
		}
		out = append(out, Size{Width: width, Height: height})
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func LoadConfig() (Config, error) {
	root := getEnvOrDefault("ROOT_DIRECTORY", ".")
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for root directory '%s': %w", root, err)
	}

	dbPath := getEnvOrDefault("DATABASE_PATH", "dataset.db")

	mediaStorage := getEnvOrDefault("MEDIA_STORAGE_PATH", filepath.Join(".", "media_storage"))
	absMediaStorage, err := filepath.Abs(mediaStorage)
	if err != nil {
		return Config{}, fmt.Errorf("failed to get absolute path for media storage '%s': %w", mediaStorage, err)
	}

	derivedSubDir := getEnvOrDefault("DERIVED_SUBDIR", DefaultDerivedSubDir)
	exportsSubDir := getEnvOrDefault("EXPORTS_SUBDIR", DefaultExportsSubDir)

	targets, err := ParseResolutions(getEnvOrDefault("TARGET_RESOLUTIONS", defaultTargetResolutions))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse TARGET_RESOLUTIONS: %w", err)
	}
	preferred, err := ParseSizes(getEnvOrDefault("PREFERRED_RESOLUTIONS", defaultPreferredResolutions))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse PREFERRED_RESOLUTIONS: %w", err)
	}

	cfg := Config{
		RootDirectory:        absRoot,
		DatabasePath:         dbPath,
		MediaStoragePath:     absMediaStorage,
		DerivedPath:          filepath.Join(absMediaStorage, derivedSubDir),
		ExportsPath:          filepath.Join(absMediaStorage, exportsSubDir),
		TargetResolutions:    targets,
		PreferredResolutions: preferred,
		AspectTolerance:      getEnvFloatOrDefault("ASPECT_TOLERANCE", defaultAspectTolerance),
		SizeTolerance:        getEnvFloatOrDefault("SIZE_TOLERANCE", defaultSizeTolerance),
		Upscaler:             getEnvOrDefault("UPSCALER", defaultUpscaler),
		FingerprintAlgorithm: getEnvOrDefault("FINGERPRINT_ALGORITHM", defaultFingerprint),
		BatchChunkSize:       getEnvIntOrDefault("BATCH_CHUNK_SIZE", defaultBatchChunkSize),
		MessageBufferSize:    getEnvIntOrDefault("MESSAGE_BUFFER_SIZE", defaultMessageBufferSize),
		LogLevel:             strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFile:              os.Getenv("LOG_FILE"),
		Port:                 getEnvOrDefault("PORT", "8080"),
		AllowedOrigins:       splitList(getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:5173")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints on the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
