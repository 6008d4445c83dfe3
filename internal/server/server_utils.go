package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"

	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case errors.Is(err, bufio.ErrTooLong):
		logger.WarnF("[%s] Frame exceeds the size limit", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading envelope, details: %v", connID, err)
	}
}
