// Package storage persists usage records, guardrail violations and runtime
// compute usage. DynamoDB is the production backend; SQLite backs dev mode.
// Both satisfy usage.Sink.
package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/agentchat/relay/internal/usage"
)

// Tables names the DynamoDB tables for each record kind.
type Tables struct {
	Usage        string
	Violations   string
	RuntimeUsage string
}

// DynamoDB writes each record kind to its own table.
type DynamoDB struct {
	client *dynamodb.Client
	tables Tables
}

// NewDynamoDB builds a store from the ambient AWS credential chain.
func NewDynamoDB(ctx context.Context, region string, tables Tables) (*DynamoDB, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &DynamoDB{client: dynamodb.NewFromConfig(cfg), tables: tables}, nil
}

func (s *DynamoDB) PutUsage(ctx context.Context, rec usage.Record) error {
	return s.put(ctx, s.tables.Usage, rec)
}

func (s *DynamoDB) PutViolation(ctx context.Context, v usage.GuardrailViolation) error {
	return s.put(ctx, s.tables.Violations, v)
}

func (s *DynamoDB) PutRuntimeUsage(ctx context.Context, rec usage.RuntimeUsageRecord) error {
	return s.put(ctx, s.tables.RuntimeUsage, rec)
}

func (s *DynamoDB) put(ctx context.Context, table string, rec any) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshaling item for %s: %w", table, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("writing to %s: %w", table, err)
	}
	return nil
}
