package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// shutdownTimeout 限制优雅关闭时等待在途请求的时间。
const shutdownTimeout = 10 * time.Second

// Serve 在 ctx 结束前持续监听 port；ctx 取消后由 Fiber 优雅关闭，监听失败则直接返回错误。
func Serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
		ShutdownTimeout:       shutdownTimeout,
	})
	if err != nil {
		return err
	}
	logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
	return nil
}
