package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const (
	appName              = "outposts-backup"
	defaultInstanceType  = "t3.micro"
	defaultWaiterTimeout = 10 * time.Minute
	defaultArtifactKey   = "outposts-backup"
	defaultDocumentName  = "BackupOutpostsServerInstance"
)

// Config holds all application configuration values from Parameter Store
type Config struct {
	BaselineTableName   string        // DynamoDB table for the baseline ledger, empty disables it
	ArtifactBucket      string        // S3 bucket holding document attachments
	ArtifactPrefix      string        // S3 key prefix for document attachments
	DefaultInstanceType string        // Instance type used when the automation leaves it blank
	WaiterTimeout       time.Duration // Max wait for an instance to reach running/terminated
	DocumentName        string        // Name of the published automation document
}

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads all application configuration from Parameter Store
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMParameterAPI is the subset of the SSM client used by SSMParameterStore
type SSMParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client SSMParameterAPI
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMParameterAPI, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads all application configuration from Parameter Store
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := fmt.Sprintf("/%s/%s", s.env, appName)

	params := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(path),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}
		for _, param := range page.Parameters {
			if param.Name != nil && param.Value != nil {
				params[*param.Name] = *param.Value
			}
		}
	}

	s.mu.Lock()
	for k, v := range params {
		s.cache[k] = v
	}
	s.mu.Unlock()

	key := func(name string) string {
		return params[path+"/"+name]
	}

	waiterTimeout, err := parseDuration(key("waiter-timeout"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		BaselineTableName:   key("baseline-table"),
		ArtifactBucket:      key("artifact-bucket"),
		ArtifactPrefix:      key("artifact-prefix"),
		DefaultInstanceType: key("default-instance-type"),
		WaiterTimeout:       waiterTimeout,
		DocumentName:        key("document-name"),
	}
	config.setDefaults()

	return config, nil
}

// EnvParameterStore implements ParameterStore using environment variables
// This is a NoOp implementation for local development without AWS connection
type EnvParameterStore struct {
	env string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore(env string) *EnvParameterStore {
	return &EnvParameterStore{
		env: env,
	}
}

// GetParameter retrieves a parameter from environment variables
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return os.Getenv(name), nil
}

// GetConfig loads all application configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	waiterTimeout, err := parseDuration(os.Getenv("WAITER_TIMEOUT"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		BaselineTableName:   os.Getenv("BASELINE_TABLE_NAME"),
		ArtifactBucket:      os.Getenv("ARTIFACT_BUCKET"),
		ArtifactPrefix:      os.Getenv("ARTIFACT_PREFIX"),
		DefaultInstanceType: os.Getenv("DEFAULT_INSTANCE_TYPE"),
		WaiterTimeout:       waiterTimeout,
		DocumentName:        os.Getenv("DOCUMENT_NAME"),
	}
	config.setDefaults()

	return config, nil
}

func (c *Config) setDefaults() {
	if c.DefaultInstanceType == "" {
		c.DefaultInstanceType = defaultInstanceType
	}
	if c.WaiterTimeout == 0 {
		c.WaiterTimeout = defaultWaiterTimeout
	}
	if c.ArtifactPrefix == "" {
		c.ArtifactPrefix = defaultArtifactKey
	}
	c.ArtifactPrefix = strings.Trim(c.ArtifactPrefix, "/")
	if c.DocumentName == "" {
		c.DocumentName = defaultDocumentName
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid waiter timeout %q: %w", s, err)
	}
	return d, nil
}
