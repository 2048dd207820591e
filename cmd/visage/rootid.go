package main

import (
	"fmt"

	"github.com/google/uuid"
)

func parseRootID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid root id %q: %w", s, err)
	}
	return id, nil
}
