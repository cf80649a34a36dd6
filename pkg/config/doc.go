// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	DSC_HOST="0.0.0.0"
//	DSC_PORT="8080"
//	DSC_HEALTH_PORT="9090"
//	DSC_BASE_URL="https://wiki.example.com"
//	DSC_READ_TIMEOUT="15s"
//	DSC_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	DSC_POSTGRES_URL="postgres://localhost/discourse_connect"
//	DSC_POSTGRES_REPLICA_URL="postgres://replica/discourse_connect"
//	DSC_POSTGRES_MAX_CONNS="20"
//
// Forum settings:
//
//	DSC_DISCOURSE_URL="https://forum.example.com"
//	DSC_SSO_SECRET="..."
//	DSC_DISCOURSE_API_KEY="..."       # enables remote logout
//	DSC_DISCOURSE_API_USERNAME="system"
//
// Reconciliation settings:
//
//	DSC_LINK_EXISTING_BY="username,email"
//	DSC_EXPOSE_NAME="true"
//	DSC_EXPOSE_EMAIL="false"
//	DSC_GROUP_MAP_FILE="/etc/discourse-connect/groups.yaml"
//
// Webhook settings:
//
//	DSC_WEBHOOK_ENABLED="true"
//	DSC_WEBHOOK_SECRET="..."
//	DSC_WEBHOOK_ALLOWED_SOURCES="203.0.113.0/24"
//
// Observability settings:
//
//	DSC_LOG_LEVEL="info"  # debug, info, warn, error
//	DSC_METRICS_ENABLED="true"
//	DSC_OTEL_ENABLED="true"
//	DSC_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/reconcile: Consumes the SSO policy and group mappings
//   - pkg/observability: Uses observability configuration
package config
