package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"layerforge/internal/tasks"
)

// AsynqServer wraps the asynq server for build task processing.
type AsynqServer struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	logger  *zap.Logger
	handler *tasks.TaskHandler
}

// NewAsynqServer creates a new asynq server. Concurrency bounds the
// number of builds one worker runs at a time; directives within a
// build are always sequential.
func NewAsynqServer(redisAddr string, concurrency int, logger *zap.Logger, handler *tasks.TaskHandler) *AsynqServer {
	redisOpt := asynq.RedisClientOpt{
		Addr: redisAddr,
	}

	if concurrency <= 0 {
		concurrency = 2
	}

	config := asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueueBuilds: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("Task processing error",
				zap.String("task_type", task.Type()),
				zap.Error(err),
			)
		}),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			baseDelay := time.Duration(n) * time.Second
			if baseDelay > 30*time.Second {
				baseDelay = 30 * time.Second
			}
			return baseDelay
		},
	}

	server := asynq.NewServer(redisOpt, config)
	mux := asynq.NewServeMux()

	return &AsynqServer{
		server:  server,
		mux:     mux,
		logger:  logger,
		handler: handler,
	}
}

// RegisterHandlers registers task handlers.
func (s *AsynqServer) RegisterHandlers() {
	s.mux.HandleFunc(tasks.TypeImageBuild, s.handler.HandleImageBuild)
}

// Start starts the asynq server and blocks until ctx is canceled.
func (s *AsynqServer) Start(ctx context.Context) error {
	s.logger.Info("Starting build worker")

	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Shutdown gracefully stops the asynq server.
func (s *AsynqServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping build worker")
	s.server.Shutdown()
	return nil
}
