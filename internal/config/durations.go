package config

import (
	"net"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/utils"
)

func (c ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ServerConfig) HandshakeTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.HandshakeTimeout)
}

func (c ServerConfig) WriteTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.WriteTimeout)
}

func (c ServerConfig) HistoryTTLDuration() time.Duration {
	return utils.MustParseStringTime(c.HistoryTTL)
}

func (c ClientConfig) DialTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.DialTimeout)
}

func (c ClientConfig) RetryBaseDuration() time.Duration {
	return utils.MustParseStringTime(c.RetryBase)
}

func (c ClientConfig) RetryCapDuration() time.Duration {
	return utils.MustParseStringTime(c.RetryCap)
}

// MaxFileSizeBytes returns the frame size limit; zero means unlimited.
func (c ClientConfig) MaxFileSizeBytes() uint64 {
	if c.MaxFileSize == "" || c.MaxFileSize == "0" {
		return 0
	}
	n, err := humanize.ParseBytes(c.MaxFileSize)
	if err != nil {
		return 0
	}
	return n
}

func (c DatabaseConfig) OperationTimeoutDuration() time.Duration {
	return utils.MustParseStringTime(c.OperationTimeout)
}
