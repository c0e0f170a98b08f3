package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoJobStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// VideoJobsIndex is the GSI listing a video's jobs by creation time.
const VideoJobsIndex = "GSI1"

// jobItem is the table layout of a ProcessingJob.
type jobItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	GSI1PK string `dynamodbav:"gsi1pk"`
	GSI1SK string `dynamodbav:"gsi1sk"`
	models.ProcessingJob
}

func jobKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "JOB#" + jobID},
		"sk": &types.AttributeValueMemberS{Value: "JOB"},
	}
}

// DynamoJobStore keeps processing jobs in a DynamoDB table so API and worker
// processes on different hosts share job state.
type DynamoJobStore struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoJobStore creates a job store on an existing client.
func NewDynamoJobStore(client DynamoAPI, tableName string) (*DynamoJobStore, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return &DynamoJobStore{client: client, tableName: tableName}, nil
}

func (s *DynamoJobStore) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	item, err := attributevalue.MarshalMap(jobItem{
		PK:            "JOB#" + job.ID,
		SK:            "JOB",
		GSI1PK:        "VIDEO#" + job.VideoID,
		GSI1SK:        fmt.Sprintf("%s#%s", job.CreatedAt.UTC().Format(time.RFC3339Nano), job.ID),
		ProcessingJob: *job,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *DynamoJobStore) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       jobKey(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}

	var item jobItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &item.ProcessingJob, nil
}

func (s *DynamoJobStore) LatestJobForVideo(ctx context.Context, videoID string) (*models.ProcessingJob, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(VideoJobsIndex),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "VIDEO#" + videoID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	if len(result.Items) == 0 {
		return nil, fmt.Errorf("%w: no job for video %s", models.ErrJobNotFound, videoID)
	}

	var item jobItem
	if err := attributevalue.UnmarshalMap(result.Items[0], &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &item.ProcessingJob, nil
}

func (s *DynamoJobStore) UpdateJob(ctx context.Context, job *models.ProcessingJob, from models.JobStatus) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              jobKey(job.ID),
		UpdateExpression: aws.String("SET #status = :status, progress = :progress, error_message = :error, updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(job.Status)},
			":from":       &types.AttributeValueMemberS{Value: string(from)},
			":progress":   &types.AttributeValueMemberN{Value: fmt.Sprint(job.Progress)},
			":error":      &types.AttributeValueMemberS{Value: job.ErrorMessage},
			":updated_at": &types.AttributeValueMemberS{Value: job.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(pk) AND #status = :from"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: job %s is no longer %s", models.ErrInvalidTransition, job.ID, from)
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

var _ JobStore = (*DynamoJobStore)(nil)
