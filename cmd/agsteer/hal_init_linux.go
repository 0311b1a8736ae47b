//go:build linux
// +build linux

package main

import (
	"github.com/agsteer/agsteer/internal/config"
	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/logger"
	"go.uber.org/zap"
)

func initHAL(cfg *config.Config, useMock bool) hal.HAL {
	if useMock {
		logger.Info("using mock HAL")
		return hal.NewMockHAL()
	}

	board, err := hal.NewBoardHAL(cfg.Hardware.I2CBus)
	if err != nil {
		logger.Warn("board HAL unavailable, using mock HAL", zap.Error(err))
		return hal.NewMockHAL()
	}
	logger.Info("board HAL initialized", zap.String("board", board.Info().Name))
	return board
}
