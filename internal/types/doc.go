// Package types provides small generic containers.
package types
