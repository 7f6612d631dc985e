// Package provider holds the ProviderConnection model and the connection
// pool. Connections are owned by the configuration subsystem; the sync
// engine treats them as read-mostly input and never mutates credentials,
// only the health flag.
package provider

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownConnection means no connection with the given ID is configured.
var ErrUnknownConnection = errors.New("provider: unknown connection")

// Type tags one of the supported EHR vendors. Adapter dispatch is keyed by
// this tag.
type Type string

const (
	Epic            Type = "epic"
	Cerner          Type = "cerner"
	Allscripts      Type = "allscripts"
	Athenahealth    Type = "athenahealth"
	EClinicalWorks  Type = "eclinicalworks"
	NextGen         Type = "nextgen"
	Meditech        Type = "meditech"
)

// All lists every supported vendor.
var All = []Type{Epic, Cerner, Allscripts, Athenahealth, EClinicalWorks, NextGen, Meditech}

// Valid reports whether t names a supported vendor.
func (t Type) Valid() bool {
	for _, v := range All {
		if t == v {
			return true
		}
	}
	return false
}

// Connection describes one configured link to one EHR vendor instance.
type Connection struct {
	ID       uuid.UUID `json:"id"`
	Provider Type      `json:"provider"`
	BaseURL  string    `json:"base_url"`

	// EncryptedCredentials is an AES-GCM blob decrypted via platform/secrets.
	EncryptedCredentials string `json:"-"`

	// Rate-limit budget enforced inside the adapter's token bucket.
	RateLimitRPS   float64 `json:"rate_limit_rps"`
	RateLimitBurst int     `json:"rate_limit_burst"`

	// Capabilities lists the resource types this vendor instance supports.
	Capabilities []string `json:"capabilities"`

	Healthy         bool       `json:"healthy"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SupportsResource reports whether the connection's capability flags include
// the given resource type.
func (c *Connection) SupportsResource(resourceType string) bool {
	for _, r := range c.Capabilities {
		if r == resourceType {
			return true
		}
	}
	return false
}
