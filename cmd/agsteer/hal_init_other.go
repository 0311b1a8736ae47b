//go:build !linux
// +build !linux

package main

import (
	"github.com/agsteer/agsteer/internal/config"
	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/logger"
)

func initHAL(cfg *config.Config, useMock bool) hal.HAL {
	logger.Info("non-linux platform, using mock HAL")
	return hal.NewMockHAL()
}
