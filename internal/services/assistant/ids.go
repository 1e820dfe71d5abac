package assistant

import (
	"github.com/google/uuid"
)

const messageIDPrefix = "msg_"

// newMessageID returns "msg_" followed by a UUIDv7: a millisecond timestamp
// and 74 random bits.
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return messageIDPrefix + id.String(), nil
}
