package model

import "errors"

var (
	// ErrNodeNotFound is returned when a node id does not exist
	ErrNodeNotFound = errors.New("node not found")

	// ErrUserNotFound is returned when a user id does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrAssignmentNotFound is returned when a user has no active assignment
	ErrAssignmentNotFound = errors.New("active assignment not found")

	// ErrCountryNotFound is returned when a country code does not exist
	ErrCountryNotFound = errors.New("country not found")

	// ErrNoNodeAvailable is returned when no healthy node has free capacity
	ErrNoNodeAvailable = errors.New("no VPN node available")

	// ErrNodeAtCapacity is returned when a node is full at admission time
	ErrNodeAtCapacity = errors.New("node is at capacity")

	// ErrNodeHasActiveUsers is returned when deleting a node that still serves users
	ErrNodeHasActiveUsers = errors.New("node has active users")

	// ErrConnectivity is returned when a panel cannot be reached or rejects credentials
	ErrConnectivity = errors.New("node connectivity test failed")

	// ErrInvalidNodeConfig is returned when node input fails validation
	ErrInvalidNodeConfig = errors.New("invalid node configuration")
)
