// Package connres resolves database host aliases to connection descriptors.
// Credentials live in AWS Secrets Manager under a per-alias key; static
// overrides cover local development and tests.
package connres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"data-mover/internal/models"
)

const secretKeyPrefix = "DBLookup"

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver maps host aliases to connection descriptors.
type Resolver struct {
	client    secretsAPI
	overrides map[string]models.ConnInfo
}

// New builds a resolver backed by AWS Secrets Manager.
func New(ctx context.Context, region string) (*Resolver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Resolver{
		client:    secretsmanager.NewFromConfig(awsCfg),
		overrides: map[string]models.ConnInfo{},
	}, nil
}

// NewStatic builds a resolver that only serves the given alias map. Useful
// for tests and deployments without Secrets Manager.
func NewStatic(overrides map[string]models.ConnInfo) *Resolver {
	if overrides == nil {
		overrides = map[string]models.ConnInfo{}
	}
	return &Resolver{overrides: overrides}
}

// Override pins an alias to a fixed descriptor, shadowing Secrets Manager.
func (r *Resolver) Override(alias string, info models.ConnInfo) {
	r.overrides[Alias(alias)] = info
}

// Alias normalizes a hostname or nickname: full hostnames collapse to their
// first label with any "db-" prefix stripped, so "db-dev99.internal.example"
// and "dev99" resolve identically.
func Alias(hostOrAlias string) string {
	alias := hostOrAlias
	if i := strings.IndexByte(alias, '.'); i > 0 {
		alias = alias[:i]
	}
	return strings.TrimPrefix(alias, "db-")
}

type hostSecret struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Resolve returns the connection descriptor for a host alias and database.
func (r *Resolver) Resolve(ctx context.Context, hostOrAlias, database string) (models.ConnInfo, error) {
	alias := Alias(hostOrAlias)
	if info, ok := r.overrides[alias]; ok {
		info.Database = database
		return info, nil
	}
	if r.client == nil {
		return models.ConnInfo{}, fmt.Errorf("no connection info for alias %q", alias)
	}

	key := fmt.Sprintf("%s-%s", secretKeyPrefix, alias)
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(key),
	})
	if err != nil {
		return models.ConnInfo{}, fmt.Errorf("lookup secret %s: %w", key, err)
	}
	var sec hostSecret
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &sec); err != nil {
		return models.ConnInfo{}, fmt.Errorf("decode secret %s: %w", key, err)
	}
	if sec.Host == "" || sec.Username == "" {
		return models.ConnInfo{}, fmt.Errorf("secret %s is missing host or username", key)
	}
	if sec.Port == 0 {
		sec.Port = 5432
	}
	return models.ConnInfo{
		Host:     sec.Host,
		Port:     sec.Port,
		Database: database,
		User:     sec.Username,
		Password: sec.Password,
	}, nil
}
