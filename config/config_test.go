package config

import (
	"context"
	"fmt"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(fakeEnvRepo{envVars: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "Files", cfg.FilesTable)
	assert.Equal(t, "Webhooks", cfg.WebhooksTable)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, int64(10*1024*1024), cfg.PartSize)
	assert.False(t, cfg.Verbose)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(fakeEnvRepo{envVars: map[string]string{
		"UPLOADKIT_API_URL":     "https://api.example.com/",
		"UPLOADKIT_API_TOKEN":   "token",
		"AWS_REGION":            "eu-west-1",
		"UPLOAD_BUCKET_NAME":    "uploads",
		"FILES_TABLE_NAME":      "prod-files",
		"CLOUDFRONT_DOMAIN":     "cdn.example.com",
		"UPLOADKIT_CONCURRENCY": "8",
		"UPLOADKIT_PART_SIZE":   "64MiB",
		"UPLOADKIT_VERBOSE":     "true",
	}})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIURL)
	assert.Equal(t, Secret("token"), cfg.APIToken)
	assert.Equal(t, "prod-files", cfg.FilesTable)
	assert.Equal(t, "Webhooks", cfg.WebhooksTable)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, int64(64*1024*1024), cfg.PartSize)
	assert.True(t, cfg.Verbose)
	assert.NoError(t, cfg.ValidateAPI())
	assert.NoError(t, cfg.ValidateAWS())

	mp := cfg.MultipartConfig()
	assert.Equal(t, 8, mp.Concurrency)
	assert.Equal(t, int64(64*1024*1024), mp.PartSize)
	assert.Equal(t, int64(50*1024*1024), mp.MultipartThreshold)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"concurrency not a number": {"UPLOADKIT_CONCURRENCY": "many"},
		"zero concurrency":         {"UPLOADKIT_CONCURRENCY": "0"},
		"part size":                {"UPLOADKIT_PART_SIZE": "big"},
		"negative part size":       {"UPLOADKIT_PART_SIZE": "-1MB"},
		"verbose":                  {"UPLOADKIT_VERBOSE": "sometimes"},
	}
	for name, envVars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(fakeEnvRepo{envVars: envVars})
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.EqualError(t, Config{}.ValidateAPI(), "the secret 'UPLOADKIT_API_URL' is not defined")
	assert.EqualError(t, Config{APIURL: "https://api.example.com"}.ValidateAPI(), "the secret 'UPLOADKIT_API_TOKEN' is not defined")
	assert.EqualError(t, Config{}.ValidateAWS(), "AWS_REGION is not defined")
	assert.EqualError(t, Config{Region: "us-east-1"}.ValidateAWS(), "UPLOAD_BUCKET_NAME is not defined")
	assert.EqualError(t, Config{Region: "us-east-1", Bucket: "b"}.ValidateAWS(), "CLOUDFRONT_DOMAIN is not defined")
}

func TestSecret(t *testing.T) {
	assert.Equal(t, "*****", Secret("hunter2").String())
	assert.Equal(t, "*****", fmt.Sprintf("%s", Secret("hunter2")))
	assert.Equal(t, "", Secret("").String())
}

func TestLoadAWS_StaticCredentials(t *testing.T) {
	cfg := Config{Region: "eu-central-1", AccessKeyID: "AKID", SecretAccessKey: "SECRET"}

	awsCfg, err := cfg.LoadAWS(context.Background(), log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", awsCfg.Region)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.Equal(t, "SECRET", creds.SecretAccessKey)

	_, err = Config{}.LoadAWS(context.Background(), log.NewLogger())
	assert.Error(t, err)
}
