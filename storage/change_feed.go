package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"tasksync/domain"
)

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueFeed exports committed change events to an Azure storage queue for
// downstream consumers.
type QueueFeed struct {
	queue messageQueue
}

var queueClientOptions = azqueue.ClientOptions{
	ClientOptions: azcore.ClientOptions{
		Retry: policy.RetryOptions{
			MaxRetries:    5,
			TryTimeout:    time.Minute * 5,
			RetryDelay:    time.Second * 1,
			MaxRetryDelay: time.Second * 60,
			StatusCodes:   []int{408, 429, 500, 502, 503, 504},
		},
	},
}

// NewQueueFeed connects to the named queue.
func NewQueueFeed(connStr, queueName string) (*QueueFeed, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &QueueFeed{queue: q}, nil
}

// Export enqueues one change event.
func (f *QueueFeed) Export(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if _, err := f.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue change event: %w", err)
	}
	return nil
}

// EnsureAzureResources creates the given tables and queues, ignoring those
// that already exist.
func EnsureAzureResources(ctx context.Context, connStr string, tables, queues []string) error {
	if len(tables) > 0 {
		svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
		if err != nil {
			return err
		}
		for _, name := range tables {
			if name == "" {
				continue
			}
			if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
				return fmt.Errorf("create table %s: %w", name, err)
			}
		}
	}
	for _, name := range queues {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return fmt.Errorf("create queue %s: %w", name, err)
		}
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
