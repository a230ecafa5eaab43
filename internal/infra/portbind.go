package infra

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
)

// ErrNoFreePort - ни один порт из диапазона не удалось занять.
var ErrNoFreePort = errors.New("no free port")

// BindListener занимает TCP-порт начиная с preferred; занятые порты пропускаются
// по одному, всего не больше attempts попыток. Возвращает listener и фактический порт.
// preferred == 0 отдаёт выбор ОС.
func BindListener(host string, preferred, attempts int, logger *zap.Logger) (net.Listener, int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		port := preferred + i
		if preferred == 0 {
			port = 0
		}
		if port > 65535 {
			break
		}

		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			logger.Debug("port unavailable, trying next", zap.Int("port", port), zap.Error(err))
			continue
		}

		bound := l.Addr().(*net.TCPAddr).Port
		if i > 0 {
			logger.Info("preferred port busy, bound fallback",
				zap.Int("preferred", preferred), zap.Int("port", bound))
		}
		return l, bound, nil
	}
	return nil, 0, fmt.Errorf("%w: tried %d ports from %d: %v", ErrNoFreePort, attempts, preferred, lastErr)
}
