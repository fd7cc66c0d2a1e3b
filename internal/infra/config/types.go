package config

import "strings"

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageBackend selects the kv.Store implementation.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StorageRedis    StorageBackend = "redis"
	StoragePostgres StorageBackend = "postgres"
)

// IdentityProvider selects the identity event source.
type IdentityProvider string

const (
	IdentityMemory   IdentityProvider = "memory"
	IdentityFirebase IdentityProvider = "firebase"
	IdentityOIDC     IdentityProvider = "oidc"
)

// ProfileBackend selects the profile store.
type ProfileBackend string

const (
	ProfileMemory    ProfileBackend = "memory"
	ProfileFirestore ProfileBackend = "firestore"
)

func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
