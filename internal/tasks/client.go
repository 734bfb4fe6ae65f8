package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskClient wraps the asynq client for build enqueueing.
type TaskClient struct {
	client *asynq.Client
	logger *zap.Logger
}

// NewTaskClient creates a new task client.
func NewTaskClient(redisAddr string, logger *zap.Logger) *TaskClient {
	redisOpt := asynq.RedisClientOpt{
		Addr: redisAddr,
	}

	return &TaskClient{
		client: asynq.NewClient(redisOpt),
		logger: logger,
	}
}

// Close closes the task client.
func (c *TaskClient) Close() error {
	return c.client.Close()
}

// EnqueueImageBuild enqueues an image build. Builds are never retried
// by the queue: the interpreter has no partial-success mode, and a
// caller re-enqueuing a failed build gets the successful prefix for
// free from the layer cache.
func (c *TaskClient) EnqueueImageBuild(payload ImageBuildPayload) (*asynq.TaskInfo, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image build payload: %w", err)
	}

	task := asynq.NewTask(TypeImageBuild, payloadBytes)

	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(30 * time.Minute),
		asynq.Queue(QueueBuilds),
	}

	taskInfo, err := c.client.Enqueue(task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue image build: %w", err)
	}

	c.logger.Info("Image build enqueued",
		zap.String("task_id", taskInfo.ID),
		zap.String("build_id", payload.BuildID),
	)

	return taskInfo, nil
}
