package repo

import (
	"fmt"

	"github.com/ceyewan/genesis/clog"
)

// ensureLogger 返回带命名空间的子 logger。
// 未提供 logger 时创建一个静默的默认实例，避免 nil 指针。
func ensureLogger(logger clog.Logger, namespace string) (clog.Logger, error) {
	if logger != nil {
		return logger.WithNamespace(namespace), nil
	}

	defaultLogger, err := clog.New(&clog.Config{
		Level:  "info",
		Format: "json",
		Output: "/dev/null",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create default logger: %w", err)
	}
	return defaultLogger.WithNamespace(namespace), nil
}
