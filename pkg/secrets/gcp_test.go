package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionName(t *testing.T) {
	assert.Equal(t,
		"projects/my-proj/secrets/spreadwatch-postgres-dsn/versions/latest",
		versionName("my-proj", DefaultSecretNames().PostgresDSN))
}
