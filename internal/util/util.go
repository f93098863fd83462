// Package util provides small shared helpers.
package util

import (
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// GenUUID generates a random UUID string.
func GenUUID() string {
	return uuid.NewString()
}

// GenShortUUID generates a short, URL-safe unique id. Used for runner
// and worker identities where a full UUID is unwieldy in logs.
func GenShortUUID() string {
	return shortuuid.New()
}
