package artifact

import (
	"os"
	"strconv"
	"strings"
)

// S3ConfigFromEnv reads ARTIFACT_S3_* variables, falling back to the MinIO
// root credentials. ok is false when no endpoint is configured.
func S3ConfigFromEnv() (cfg S3Config, ok bool) {
	cfg = S3Config{
		Endpoint:  strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT")),
		Region:    firstNonEmpty(os.Getenv("ARTIFACT_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(os.Getenv("ARTIFACT_S3_ACCESS_KEY"), os.Getenv("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(os.Getenv("ARTIFACT_S3_SECRET_KEY"), os.Getenv("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(os.Getenv("ARTIFACT_S3_BUCKET"), "actionplan-artifacts"),
		Prefix:    strings.TrimSpace(os.Getenv("ARTIFACT_S3_PREFIX")),
		UseSSL:    useSSL(os.Getenv("ARTIFACT_S3_USE_SSL")),
	}
	return cfg, cfg.Endpoint != ""
}

func useSSL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
