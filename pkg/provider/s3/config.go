// Package s3 implements the provider interface for AWS S3 and S3-compatible
// storage, including IBM Cloud Object Storage (COS).
//
// Two authentication styles are supported. The AWS style uses the SDK v2
// default credential chain (static keys, environment, shared profile,
// instance metadata). The IBM style exchanges an IAM API key for a bearer
// token at the identity service and injects it into every request; in that
// mode the endpoint defaults to the regional COS endpoint.
package s3

import "fmt"

// Config configures an S3 provider.
//
// Authentication priority:
//  1. APIKey (IBM IAM token exchange; mutually exclusive with static keys)
//  2. Explicit AccessKeyID/SecretAccessKey (HMAC, works for COS and AWS)
//  3. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  4. Shared credentials/config file with optional profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Region handling:
//   - When APIKey is set and Endpoint is empty, Region is required because
//     the regional COS endpoint is derived from it.
//   - For AWS S3: if Region is empty and not resolvable from the
//     environment, profile, or instance metadata, us-east-1 is used.
//   - For other S3-compatible stores (Endpoint set), no default is applied.
type Config struct {
	// Bucket is the bucket name (required). The migration engine operates
	// in place: source and destination are always this bucket.
	Bucket string

	// Region is the provider region (e.g., "eu-de", "us-east-1").
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3, or for COS when APIKey is set (the regional
	// COS endpoint is derived from Region).
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	Profile string

	// AccessKeyID is an explicit HMAC access key. If set, SecretAccessKey
	// must also be set. Takes precedence over the default credential chain.
	AccessKeyID string

	// SecretAccessKey is an explicit HMAC secret key.
	SecretAccessKey string

	// APIKey is an IBM IAM API key. When set, requests carry a bearer token
	// obtained from IAMTokenEndpoint instead of a SigV4 signature.
	APIKey string

	// IAMTokenEndpoint overrides the IBM IAM token endpoint.
	// Defaults to DefaultIAMTokenEndpoint.
	IAMTokenEndpoint string

	// KeyProtectCRN is a customer-managed encryption key reference.
	// When set, copy operations carry SSE headers referencing it so the
	// rewritten object keeps its Key Protect envelope.
	KeyProtectCRN string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores and local test servers.
	ForcePathStyle bool

	// MaxKeys is the default page size for List operations.
	// Zero uses the provider default (1000). Values over 1000 are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// DefaultIAMTokenEndpoint is the IBM IAM token exchange endpoint.
const DefaultIAMTokenEndpoint = "https://iam.cloud.ibm.com/identity/token"

// COSEndpoint returns the public regional endpoint for IBM Cloud Object
// Storage.
func COSEndpoint(region string) string {
	return fmt.Sprintf("https://s3.%s.cloud-object-storage.appdomain.cloud", region)
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	// If one explicit HMAC credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	if c.APIKey != "" && c.AccessKeyID != "" {
		return &ConfigError{
			Field:   "APIKey",
			Message: "api key and HMAC credentials are mutually exclusive",
		}
	}

	if c.APIKey != "" && c.Endpoint == "" && c.Region == "" {
		return &ConfigError{
			Field:   "Region",
			Message: "region is required to derive the COS endpoint when using an api key",
		}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
