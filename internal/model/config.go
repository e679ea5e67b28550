package model

import (
	"fmt"
	"strconv"
)

// Runtime-tunable settings stored in the config table. Everything else
// (tokens, owner id) lives in the ini file and never touches the store.
const (
	KeyMaxQueriesPerDay      = "MAX_QUERIES_PER_DAY"
	KeyMaxSmartQueriesPerDay = "MAX_SMART_QUERIES_PER_DAY"
	KeyAPITimeout            = "API_TIMEOUT" // seconds
	KeyAPIRetries            = "API_RETRIES"
	KeyBotPrefix             = "BOT_PREFIX"
	KeyDefaultBranch         = "DEFAULT_BRANCH"
	KeyIndexingTimeout       = "INDEXING_TIMEOUT" // seconds
	KeyLogChannel            = "LOG_CHANNEL"
	KeyErrorChannel          = "ERROR_CHANNEL"
)

// ConfigDefaults seeds the config table on first run.
var ConfigDefaults = map[string]string{
	KeyMaxQueriesPerDay:      "5",
	KeyMaxSmartQueriesPerDay: "1",
	KeyAPITimeout:            "60",
	KeyAPIRetries:            "3",
	KeyBotPrefix:             "~",
	KeyDefaultBranch:         "main",
	KeyIndexingTimeout:       "7200",
	KeyLogChannel:            "",
	KeyErrorChannel:          "",
}

var intKeys = map[string]bool{
	KeyMaxQueriesPerDay:      true,
	KeyMaxSmartQueriesPerDay: true,
	KeyAPITimeout:            true,
	KeyAPIRetries:            true,
	KeyIndexingTimeout:       true,
}

// ValidateConfig rejects unknown keys and values of the wrong type for
// the key. Integer-typed keys must parse as non-negative integers.
func ValidateConfig(key, value string) error {
	if _, ok := ConfigDefaults[key]; !ok {
		return fmt.Errorf("unrecognized config key %q", key)
	}

	if intKeys[key] {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("config key %s requires an integer value, got %q", key, value)
		}
		if n < 0 {
			return fmt.Errorf("config key %s must not be negative", key)
		}
	}

	return nil
}
