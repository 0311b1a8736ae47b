//go:build !linux
// +build !linux

package hal

import "fmt"

// NewBoardHAL is only available on linux targets; development hosts use
// NewMockHAL.
func NewBoardHAL(i2cBusName string) (HAL, error) {
	return nil, fmt.Errorf("board HAL is only supported on linux")
}
