package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DynamoDBAPI is the subset of the DynamoDB API used by Store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store reads and writes file and webhook records.
type Store struct {
	client        DynamoDBAPI
	filesTable    string
	webhooksTable string
	logger        log.Logger
}

// New ...
func New(client DynamoDBAPI, filesTable, webhooksTable string, logger log.Logger) *Store {
	return &Store{
		client:        client,
		filesTable:    filesTable,
		webhooksTable: webhooksTable,
		logger:        logger,
	}
}

// PutFile creates or replaces a file record.
func (s *Store) PutFile(ctx context.Context, file FileRecord) error {
	item, err := attributevalue.MarshalMap(file)
	if err != nil {
		return fmt.Errorf("marshal file record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.filesTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put file %s: %w", file.FileID, err)
	}
	return nil
}

// GetFile returns the file record of the user, or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, userID, fileID string) (*FileRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.filesTable),
		Key:       userKey("fileId", userID, fileID),
	})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var file FileRecord
	if err := attributevalue.UnmarshalMap(out.Item, &file); err != nil {
		return nil, fmt.Errorf("unmarshal file record: %w", err)
	}
	return &file, nil
}

// FindFileByID looks up a file record by its id alone, without knowing the owner.
// It scans the table, so it is meant for background processing only.
func (s *Store) FindFileByID(ctx context.Context, fileID string) (*FileRecord, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.filesTable),
		FilterExpression: aws.String("fileId = :fileId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fileId": &types.AttributeValueMemberS{Value: fileID},
		},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan for file %s: %w", fileID, err)
		}
		if len(page.Items) == 0 {
			continue
		}

		var file FileRecord
		if err := attributevalue.UnmarshalMap(page.Items[0], &file); err != nil {
			return nil, fmt.Errorf("unmarshal file record: %w", err)
		}
		return &file, nil
	}
	return nil, ErrNotFound
}

// QueryFiles returns the files of the user, newest first. If webhookID is set only files posted to that webhook are returned.
func (s *Store) QueryFiles(ctx context.Context, userID, webhookID string) ([]FileRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.filesTable),
		KeyConditionExpression: aws.String("userId = :userId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId": &types.AttributeValueMemberS{Value: userID},
		},
	}
	if webhookID != "" {
		input.FilterExpression = aws.String("webhookId = :webhookId")
		input.ExpressionAttributeValues[":webhookId"] = &types.AttributeValueMemberS{Value: webhookID}
	}

	files := []FileRecord{}
	if err := s.query(ctx, input, &files); err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}

	// The sort key is the random file id, so the order is by creation time.
	sort.SliceStable(files, func(i, j int) bool {
		return createdAt(files[i]).After(createdAt(files[j]))
	})
	return files, nil
}

func createdAt(file FileRecord) time.Time {
	t, err := time.Parse(time.RFC3339Nano, file.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpdateFileStatus records the post-processing outcome of a file. It returns ErrNotFound if the record does not exist.
func (s *Store) UpdateFileStatus(ctx context.Context, userID, fileID string, update StatusUpdate) error {
	sets := []string{"#status = :status"}
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(update.Status)},
	}
	setIfPresent := func(attribute, value string) {
		if value == "" {
			return
		}
		sets = append(sets, fmt.Sprintf("%s = :%s", attribute, attribute))
		values[":"+attribute] = &types.AttributeValueMemberS{Value: value}
	}
	setIfPresent("discordMessageId", update.DiscordMessageID)
	setIfPresent("postedAt", update.PostedAt)
	setIfPresent("errorMessage", update.ErrorMessage)

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.filesTable),
		Key:                       userKey("fileId", userID, fileID),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(fileId)"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return ErrNotFound
		}
		return fmt.Errorf("update status of file %s: %w", fileID, err)
	}

	s.logger.Debugf("File %s status set to %s", fileID, update.Status)
	return nil
}

// DeleteFile removes the file record.
func (s *Store) DeleteFile(ctx context.Context, userID, fileID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.filesTable),
		Key:       userKey("fileId", userID, fileID),
	})
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

// PutWebhook creates or replaces a webhook.
func (s *Store) PutWebhook(ctx context.Context, webhook Webhook) error {
	item, err := attributevalue.MarshalMap(webhook)
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.webhooksTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put webhook %s: %w", webhook.WebhookID, err)
	}
	return nil
}

// GetWebhook returns the webhook of the user, or ErrNotFound.
func (s *Store) GetWebhook(ctx context.Context, userID, webhookID string) (*Webhook, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.webhooksTable),
		Key:       userKey("webhookId", userID, webhookID),
	})
	if err != nil {
		return nil, fmt.Errorf("get webhook %s: %w", webhookID, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var webhook Webhook
	if err := attributevalue.UnmarshalMap(out.Item, &webhook); err != nil {
		return nil, fmt.Errorf("unmarshal webhook: %w", err)
	}
	return &webhook, nil
}

// QueryWebhooks returns all webhooks of the user.
func (s *Store) QueryWebhooks(ctx context.Context, userID string) ([]Webhook, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.webhooksTable),
		KeyConditionExpression: aws.String("userId = :userId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":userId": &types.AttributeValueMemberS{Value: userID},
		},
	}

	webhooks := []Webhook{}
	if err := s.query(ctx, input, &webhooks); err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	return webhooks, nil
}

// DeleteWebhook removes the webhook. It returns ErrNotFound if there was nothing to delete.
func (s *Store) DeleteWebhook(ctx context.Context, userID, webhookID string) error {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.webhooksTable),
		Key:          userKey("webhookId", userID, webhookID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("delete webhook %s: %w", webhookID, err)
	}
	if len(out.Attributes) == 0 {
		return ErrNotFound
	}
	return nil
}

// query collects every page of the query into out, which must point to a slice.
func (s *Store) query(ctx context.Context, input *dynamodb.QueryInput, out interface{}) error {
	var items []map[string]types.AttributeValue

	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		items = append(items, page.Items...)
	}

	return attributevalue.UnmarshalListOfMaps(items, out)
}

func userKey(sortKey, userID, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: userID},
		sortKey:  &types.AttributeValueMemberS{Value: id},
	}
}
