package config

import (
	"fmt"
	"time"
)

type StorageType string

type PublisherType string

type DirectoryType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

const PUBLISHER_TYPE_BUS PublisherType = "bus"
const PUBLISHER_TYPE_REDIS PublisherType = "redis"

const DIRECTORY_TYPE_STATIC DirectoryType = "static"
const DIRECTORY_TYPE_REDIS DirectoryType = "redis"

type Config struct {
	RedisConfig   RedisStorageConfig
	HttpPort      int
	StorageType   StorageType
	PublisherType PublisherType
	DirectoryType DirectoryType
	// Roles seeds the static directory, role id to user ids.
	Roles         map[string][]string
	MachineID     int
	LogLevel      string
	Tracing       bool
	GraphCacheTTL time.Duration
	MaxRetries    uint64
}

type RedisStorageConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	Namespace string
}

// Validate reports the first setting that cannot be served.
func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_INMEM, STORAGE_TYPE_REDIS:
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	switch c.PublisherType {
	case PUBLISHER_TYPE_BUS:
	case PUBLISHER_TYPE_REDIS:
		if c.StorageType != STORAGE_TYPE_REDIS {
			return fmt.Errorf("publisher %q needs redis storage", c.PublisherType)
		}
	default:
		return fmt.Errorf("unknown publisher type %q", c.PublisherType)
	}
	switch c.DirectoryType {
	case DIRECTORY_TYPE_STATIC:
	case DIRECTORY_TYPE_REDIS:
		if c.StorageType != STORAGE_TYPE_REDIS {
			return fmt.Errorf("directory %q needs redis storage", c.DirectoryType)
		}
	default:
		return fmt.Errorf("unknown directory type %q", c.DirectoryType)
	}
	if c.HttpPort <= 0 || c.HttpPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HttpPort)
	}
	if c.MachineID < 0 || c.MachineID > 65535 {
		return fmt.Errorf("machine id %d out of range", c.MachineID)
	}
	return nil
}
