// Package logging sets up the module-global structured logger and the Gin
// middleware that feeds request/response lines through it.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// SetupBaseLogger configures the module-global logrus logger's level and
// text formatter. Call once during startup, before any other logging.
func SetupBaseLogger(debug bool) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetOutput(os.Stdout)
}

// ConfigureLogOutput sends the logger's output to stdout alone, or, when
// toFile is set, to both stdout and logsDir/gateway-<YYYY-MM-DD>.log, named
// by the date of the call; the file is not rotated afterwards. It is safe to
// call again whenever the setting changes at runtime.
func ConfigureLogOutput(toFile bool, logsDir string) error {
	if !toFile {
		log.SetOutput(os.Stdout)
		return nil
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(logsDir, "gateway-"+time.Now().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return nil
}

// GinLogrusLogger replaces gin's default access logger with one line per
// request through logrus, at Info for 2xx/3xx and Warn/Error otherwise.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		entry := log.WithFields(log.Fields{
			"status":   c.Writer.Status(),
			"method":   c.Request.Method,
			"path":     path,
			"duration": time.Since(start),
			"clientIP": c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request")
		case c.Writer.Status() >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// GinLogrusRecovery recovers panics inside handlers, logs them through
// logrus, and aborts with a 500 instead of crashing the process.
func GinLogrusRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("recovered from panic in handler")
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}
