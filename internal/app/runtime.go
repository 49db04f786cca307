package app

import (
	"os"
	"strconv"
)

const testModeEnv = "ORDERDESK_TEST_MODE"

// InTestMode reports whether binaries should return before dialing Postgres
// or Redis. It is set by the testing helper package.
func InTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	return on
}
