package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReplicaURLs(t *testing.T) {
	assert.Nil(t, ParseReplicaURLs(""))

	urls := ParseReplicaURLs("postgres://replica1:5432/db")
	assert.Equal(t, []string{"postgres://replica1:5432/db"}, urls)

	urls = ParseReplicaURLs(" postgres://replica1:5432/db , postgres://replica2:5432/db ,, ")
	assert.Equal(t, []string{
		"postgres://replica1:5432/db",
		"postgres://replica2:5432/db",
	}, urls)
}
