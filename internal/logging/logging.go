package logging

import (
	"go.uber.org/zap"
)

// New builds a zap logger for the given environment. Production mode emits
// JSON; anything else gets the development console encoder.
func New(env string) (*zap.Logger, error) {
	switch env {
	case "prod", "production":
		return zap.NewProduction()
	default:
		return zap.NewDevelopment()
	}
}
