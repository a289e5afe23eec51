package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"ajnotify/internal/ns"
)

// Props is the About property store every sent notification is stamped with.
type Props struct {
	AppID      ns.AppID
	AppName    string
	DeviceID   string
	DeviceName string
}

// Validate requires every property a sender needs.
func (p Props) Validate() error {
	var missing []string
	if p.AppID == (ns.AppID{}) {
		missing = append(missing, "app id")
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		missing = append(missing, "device id")
	}
	if strings.TrimSpace(p.DeviceName) == "" {
		missing = append(missing, "device name")
	}
	if strings.TrimSpace(p.AppName) == "" {
		missing = append(missing, "app name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: property store missing %s", ns.ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateTTL enforces the sender TTL range.
func ValidateTTL(ttl time.Duration) error {
	if ttl < ns.MinTTL || ttl > ns.MaxTTL {
		return fmt.Errorf("%w: %s not in [%s, %s]", ns.ErrInvalidTTL, ttl, ns.MinTTL, ns.MaxTTL)
	}
	return nil
}

var errNotReceived = errors.New("notification was not received from the bus")
