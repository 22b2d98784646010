// Package types defines core domain types for skiff.
// Types are shared by the launcher engine and the release tracking service.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
)

var channelNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Channel identifies an independent update stream (e.g. "nightly", "weekly").
type Channel struct {
	// Name is the channel identifier used in manifest URLs.
	Name string `json:"name" yaml:"name"`
	// Platform is the target operating system (GOOS naming). Empty means any.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`
	// Arch is the target architecture (GOARCH naming). Empty means any.
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty"`
}

// NewChannel returns a channel targeting the running platform.
func NewChannel(name string) Channel {
	return Channel{Name: name, Platform: runtime.GOOS, Arch: runtime.GOARCH}
}

// Validate checks that the channel name is usable as a URL path segment.
func (c Channel) Validate() error {
	if c.Name == "" {
		return errors.New("channel name must be non-empty")
	}
	if !channelNameRe.MatchString(c.Name) {
		return fmt.Errorf("invalid channel name %q", c.Name)
	}
	return nil
}

// Key returns the registry key for this channel.
// Platform-agnostic channels are keyed by name alone.
func (c Channel) Key() string {
	if c.Platform == "" && c.Arch == "" {
		return c.Name
	}
	return c.Name + "/" + c.Platform + "/" + c.Arch
}

// Generic returns the platform-agnostic form of the channel.
func (c Channel) Generic() Channel {
	return Channel{Name: c.Name}
}

func (c Channel) String() string {
	return c.Key()
}
