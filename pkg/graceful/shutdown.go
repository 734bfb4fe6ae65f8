package graceful

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdownable is an interface for services that can be gracefully shut down
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownHandler manages graceful shutdown of services
type ShutdownHandler struct {
	logger   *zap.Logger
	services []Shutdownable
	timeout  time.Duration
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(logger *zap.Logger, timeout time.Duration) *ShutdownHandler {
	return &ShutdownHandler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register registers a service for graceful shutdown
func (h *ShutdownHandler) Register(service Shutdownable) {
	h.services = append(h.services, service)
}

// WaitForShutdown waits for shutdown signals and gracefully shuts down
// all services in reverse registration order.
func (h *ShutdownHandler) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	h.logger.Info("Shutdown signal received, starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	for i := len(h.services) - 1; i >= 0; i-- {
		if err := h.services[i].Shutdown(ctx); err != nil {
			h.logger.Error("Service shutdown error", zap.Error(err))
		}
	}

	h.logger.Info("Graceful shutdown completed")
}
