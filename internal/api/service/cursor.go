package service

import (
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// DecodeCursor returns the job id a cursor points at
func DecodeCursor(cursor string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", domain.ErrInvalidCursor
	}

	id, err := uuid.Parse(string(decoded))
	if err != nil {
		return "", domain.ErrInvalidCursor
	}

	return id.String(), nil
}

// EncodeCursor returns the opaque cursor for a job id
func EncodeCursor(jobID string) string {
	return base64.StdEncoding.EncodeToString([]byte(jobID))
}
