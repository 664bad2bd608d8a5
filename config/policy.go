package config

import (
	"sync"
	"time"

	"github.com/brinelog/ingestd/entity"
)

// Flag re-exports entity.Flag so configuration YAML and CLI code can refer
// to it as config.Flag without importing entity directly.
type Flag = entity.Flag

const (
	FlagAllowPlainLogRequest = entity.FlagAllowPlainLogRequest
	FlagAllowBulkLogRequest  = entity.FlagAllowBulkLogRequest
	FlagAllowUnknownLoggers  = entity.FlagAllowUnknownLoggers
	FlagCompression          = entity.FlagCompression
)

// LoggerPolicy is the per-logger policy block from configuration.
type LoggerPolicy struct {
	ID                   string `yaml:"id"`
	Blacklisted          bool   `yaml:"blacklisted"`
	AllowPlainLogRequest bool   `yaml:"allow_plain_log_request"`
	LuaScriptPath        string `yaml:"lua_script_path"`
}

// Configuration is the read-only snapshot consumed by the ingestion core,
// per spec. It is safe for concurrent reads; UpdateUnknownLoggerUserFromRequest
// is the only mutator and is itself safe for concurrent use.
type Configuration struct {
	flags          map[Flag]bool
	loggers        map[string]LoggerPolicy
	maxItemsInBulk int
	dispatchDelay  time.Duration

	mu                  sync.Mutex
	unknownLoggerUsers map[string]string // loggerID -> last-seen clientID
}

// NewConfiguration builds a Configuration snapshot from parsed config.
func NewConfiguration(flags map[Flag]bool, loggers []LoggerPolicy, maxItemsInBulk int, dispatchDelay time.Duration) *Configuration {
	loggerMap := make(map[string]LoggerPolicy, len(loggers))
	for _, l := range loggers {
		loggerMap[l.ID] = l
	}

	return &Configuration{
		flags:              flags,
		loggers:            loggerMap,
		maxItemsInBulk:     maxItemsInBulk,
		dispatchDelay:      dispatchDelay,
		unknownLoggerUsers: make(map[string]string),
	}
}

func (c *Configuration) HasFlag(f Flag) bool {
	return c.flags[f]
}

func (c *Configuration) IsKnownLogger(id string) bool {
	_, ok := c.loggers[id]
	return ok
}

func (c *Configuration) IsBlacklisted(id string) bool {
	l, ok := c.loggers[id]
	return ok && l.Blacklisted
}

func (c *Configuration) HasLoggerFlag(id string, f Flag) bool {
	l, ok := c.loggers[id]
	if !ok {
		return false
	}

	switch f {
	case FlagAllowPlainLogRequest:
		return l.AllowPlainLogRequest
	default:
		return false
	}
}

func (c *Configuration) LoggerLuaScript(id string) (string, bool) {
	l, ok := c.loggers[id]
	if !ok || l.LuaScriptPath == "" {
		return "", false
	}
	return l.LuaScriptPath, true
}

func (c *Configuration) MaxItemsInBulk() int {
	return c.maxItemsInBulk
}

func (c *Configuration) DispatchDelay() time.Duration {
	return c.dispatchDelay
}

// UpdateUnknownLoggerUserFromRequest records which client most recently
// logged under an unknown loggerID, so it can later be attributed to a
// user once the logger is declared known.
func (c *Configuration) UpdateUnknownLoggerUserFromRequest(loggerID string, req *entity.LogRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unknownLoggerUsers[loggerID] = req.ClientID
}

// UnknownLoggerUser returns the last client attributed to loggerID, if any.
func (c *Configuration) UnknownLoggerUser(loggerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clientID, ok := c.unknownLoggerUsers[loggerID]
	return clientID, ok
}
