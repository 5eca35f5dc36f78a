// Command surveydata-sync pulls survey submissions from a SurveyCTO or ODK
// Central server into a storage backend, incrementally. Configuration is
// via environment variables:
//
//	SURVEYDATA_PLATFORM          "surveycto" or "odk" (required)
//	SURVEYDATA_STORAGE_DSN       destination storage DSN (required)
//	SURVEYDATA_ATTACHMENT_DSN    separate attachment storage DSN
//	SURVEYDATA_NO_ATTACHMENTS    "true" to skip attachment transfer
//	SURVEYDATA_SCHEMA_FILE       JSON Schema to validate submissions against
//
//	SURVEYDATA_CTO_SERVER            SurveyCTO server name
//	SURVEYDATA_CTO_FORM_ID           form to pull
//	SURVEYDATA_CTO_USERNAME          API username
//	SURVEYDATA_CTO_PASSWORD          API password
//	SURVEYDATA_CTO_PRIVATE_KEY_FILE  decryption key for encrypted forms
//	SURVEYDATA_CTO_REVIEW_STATUSES   statuses to pull, "|"-separated
//
//	SURVEYDATA_ODK_CONFIG_FILE       pyodk-style TOML config
//	SURVEYDATA_ODK_BASE_URL          Central server URL (overrides config)
//	SURVEYDATA_ODK_USERNAME          Central username (overrides config)
//	SURVEYDATA_ODK_PASSWORD          Central password (overrides config)
//	SURVEYDATA_ODK_PROJECT_ID        project ID (overrides config)
//	SURVEYDATA_ODK_FORM_ID           form to pull
//	SURVEYDATA_ODK_INCLUDE_REJECTED  "true" to include rejected submissions
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/higherbar-ai/surveydata/platform"
	"github.com/higherbar-ai/surveydata/storage"
)

func main() {
	ctx := context.Background()
	logger := log.New(os.Stderr, "surveydata-sync: ", log.LstdFlags)

	storageDSN := strings.TrimSpace(os.Getenv("SURVEYDATA_STORAGE_DSN"))
	if storageDSN == "" {
		logger.Fatal("SURVEYDATA_STORAGE_DSN is required")
	}
	store, err := storage.BuildStorageFromDSN(ctx, storageDSN)
	if err != nil {
		logger.Fatalf("failed to initialize storage: %v", err)
	}

	opts := platform.SyncOptions{
		NoAttachments:   boolEnv("SURVEYDATA_NO_ATTACHMENTS"),
		IncludeRejected: boolEnv("SURVEYDATA_ODK_INCLUDE_REJECTED"),
	}
	if attachmentDSN := strings.TrimSpace(os.Getenv("SURVEYDATA_ATTACHMENT_DSN")); attachmentDSN != "" {
		opts.AttachmentStorage, err = storage.BuildStorageFromDSN(ctx, attachmentDSN)
		if err != nil {
			logger.Fatalf("failed to initialize attachment storage: %v", err)
		}
	}
	if statuses := strings.TrimSpace(os.Getenv("SURVEYDATA_CTO_REVIEW_STATUSES")); statuses != "" {
		opts.ReviewStatuses = strings.Split(statuses, "|")
	}

	schema, err := schemaFromEnv()
	if err != nil {
		logger.Fatalf("failed to load schema: %v", err)
	}

	connector, err := buildPlatformFromEnv(schema, logger)
	if err != nil {
		logger.Fatalf("failed to initialize platform: %v", err)
	}

	ids, err := connector.SyncData(ctx, store, opts)
	if err != nil {
		logger.Fatalf("sync failed: %v", err)
	}
	logger.Printf("sync complete: %d submission(s) stored", len(ids))
}

func buildPlatformFromEnv(schema *jsonschema.Schema, logger *log.Logger) (platform.SurveyPlatform, error) {
	name := strings.ToLower(strings.TrimSpace(os.Getenv("SURVEYDATA_PLATFORM")))
	switch name {
	case "surveycto", "cto":
		privateKey, err := privateKeyFromEnv()
		if err != nil {
			return nil, err
		}
		return platform.NewSurveyCTOPlatform(platform.SurveyCTOOptions{
			Server:     strings.TrimSpace(os.Getenv("SURVEYDATA_CTO_SERVER")),
			FormID:     strings.TrimSpace(os.Getenv("SURVEYDATA_CTO_FORM_ID")),
			Username:   os.Getenv("SURVEYDATA_CTO_USERNAME"),
			Password:   os.Getenv("SURVEYDATA_CTO_PASSWORD"),
			PrivateKey: privateKey,
			Schema:     schema,
			Logger:     logger,
		}), nil
	case "odk", "odk-central":
		return platform.NewODKPlatform(platform.ODKOptions{
			ConfigFile: strings.TrimSpace(os.Getenv("SURVEYDATA_ODK_CONFIG_FILE")),
			BaseURL:    strings.TrimSpace(os.Getenv("SURVEYDATA_ODK_BASE_URL")),
			Username:   os.Getenv("SURVEYDATA_ODK_USERNAME"),
			Password:   os.Getenv("SURVEYDATA_ODK_PASSWORD"),
			ProjectID:  intEnv("SURVEYDATA_ODK_PROJECT_ID", 0),
			FormID:     strings.TrimSpace(os.Getenv("SURVEYDATA_ODK_FORM_ID")),
			Schema:     schema,
			Logger:     logger,
		})
	case "":
		return nil, fmt.Errorf("SURVEYDATA_PLATFORM is required")
	default:
		return nil, fmt.Errorf("unsupported SURVEYDATA_PLATFORM: %s", name)
	}
}

func privateKeyFromEnv() (string, error) {
	path := strings.TrimSpace(os.Getenv("SURVEYDATA_CTO_PRIVATE_KEY_FILE"))
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read private key file: %w", err)
	}
	return string(data), nil
}

func schemaFromEnv() (*jsonschema.Schema, error) {
	path := strings.TrimSpace(os.Getenv("SURVEYDATA_SCHEMA_FILE"))
	if path == "" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	return compiler.Compile(path)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return raw == "true" || raw == "1" || raw == "yes"
}
