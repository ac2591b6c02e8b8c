package zkgrid

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvAckThreshold names the environment variable that
// tunes how many processed events a member batches before
// writing its ack record back to its alive znode.
const EnvAckThreshold = "IGNITE_ZOOKEEPER_DISCOVERY_SPI_ACK_THRESHOLD"

const defaultAckThreshold = 5

// Config describes one discovery instance.
type Config struct {
	// BasePath is the ZooKeeper chroot for all clusters
	// sharing this ensemble, e.g. "/zkgrid". Validated as
	// a ZooKeeper path.
	BasePath string

	// ClusterName scopes this cluster under BasePath.
	// Must be non-empty.
	ClusterName string

	// ConnectString is the comma separated host:port list
	// of the ZooKeeper ensemble.
	ConnectString string

	// SessionTimeout is the requested ZooKeeper session
	// timeout. Ephemeral alive-znodes vanish this long
	// after a member's death, which is what drives
	// failure detection.
	SessionTimeout time.Duration

	// Codec serializes everything the engine stores in
	// ZooKeeper. Nil means DefaultCodec(). Every member
	// of one cluster must agree on it.
	Codec Codec

	// Listener receives discovery notifications. Required.
	Listener DiscoveryListener

	// Exchange is the join-time data collaborator.
	// Required.
	Exchange DataExchange
}

func (cfg *Config) validate() error {
	if err := validateZkPath(cfg.BasePath); err != nil {
		return err
	}
	if cfg.ClusterName == "" {
		return fmt.Errorf("cluster name is empty")
	}
	if cfg.ConnectString == "" {
		return fmt.Errorf("connect string is empty")
	}
	if cfg.Listener == nil {
		return fmt.Errorf("nil Listener")
	}
	if cfg.Exchange == nil {
		return fmt.Errorf("nil Exchange")
	}
	return nil
}

// ackThresholdFromEnv reads EnvAckThreshold, defaulting to
// 5 and clamping to >= 1.
func ackThresholdFromEnv() int {
	s := os.Getenv(EnvAckThreshold)
	if s == "" {
		return defaultAckThreshold
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		alwaysPrintf("ignoring bad %v=%q: %v", EnvAckThreshold, s, err)
		return defaultAckThreshold
	}
	if n < 1 {
		n = 1
	}
	return n
}
