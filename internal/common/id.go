package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewDocumentID generates a unique document ID with the "doc_" prefix
// Format: doc_<uuid>
func NewDocumentID() string {
	return "doc_" + uuid.New().String()
}

// NewJobID generates the external job ID minted for a queue submission.
func NewJobID() string {
	return uuid.New().String()
}

// NewDatasetName generates a Crawl Session's isolated dataset/storage
// directory name: "ds-" plus 8 random hex characters.
func NewDatasetName() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "ds-" + uuid.New().String()[:8]
	}
	return fmt.Sprintf("ds-%s", hex.EncodeToString(buf))
}
