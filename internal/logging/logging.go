package logging

import (
	"go.uber.org/zap"
)

// New builds the process logger. Development gets console output with stack
// traces, everything else gets production JSON.
func New(appEnv string) (*zap.Logger, error) {
	if appEnv == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
